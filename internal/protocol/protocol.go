// Package protocol defines the control records exchanged with the resident
// interpreter process, and the resident loop itself.
//
// The wire format is one JSON object per line in both directions. Line
// framing keeps the protocol debuggable and resynchronizable: a corrupted
// record costs one line, not the whole stream. The resident loop reads one
// line and emits exactly one line per iteration, so the protocol is strictly
// single-flight: at most one request is ever outstanding per session, which
// is what makes "no line within the timeout" an unambiguous hang signal.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Request is the record sent to the resident process: a code payload to
// evaluate, or a termination flag.
type Request struct {
	Code      string `json:"code,omitempty"`
	Terminate bool   `json:"_terminate,omitempty"`
}

// Response is the record the resident process emits for every request.
type Response struct {
	OK     bool   `json:"ok"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// EncodeRequest serializes a request as a single self-contained line,
// without the trailing newline. json.Marshal escapes embedded newlines in
// the code payload, so the record can never span lines.
func EncodeRequest(req Request) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding control record: %w", err)
	}
	return b, nil
}

// DecodeResponse parses one newline-terminated response line. Anything that
// is not a complete well-formed record is an error; the caller treats it as
// a transport failure.
func DecodeResponse(line string) (Response, error) {
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return Response{}, fmt.Errorf("malformed control record %q: %w", truncate(line, 120), err)
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// SessionScript is the resident loop started inside the environment with
// `python3 -u -c`. It evaluates each code payload against one persistent
// namespace dict owned by the loop, so bound names and imports survive
// across requests. Tracebacks go to the captured stderr with ok=false; the
// loop itself never dies on user code.
const SessionScript = `
import contextlib
import io
import json
import sys
import traceback

NAMESPACE = {}

def run(code):
    buffer_out = io.StringIO()
    buffer_err = io.StringIO()
    response = {"ok": True, "stdout": "", "stderr": ""}
    try:
        with contextlib.redirect_stdout(buffer_out), contextlib.redirect_stderr(buffer_err):
            exec(compile(code, "<session>", "exec"), NAMESPACE, NAMESPACE)
    except Exception:
        response["ok"] = False
        traceback.print_exc(file=buffer_err)
    response["stdout"] = buffer_out.getvalue()
    response["stderr"] = buffer_err.getvalue()
    return response

for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    message = json.loads(line)
    if message.get("_terminate"):
        print(json.dumps({"ok": True, "stdout": "", "stderr": ""}), flush=True)
        break
    print(json.dumps(run(message.get("code", ""))), flush=True)
`

// InitSnippet is the fixed initialization payload sent before any caller
// code: it pre-imports the numeric working set and puts the tool-modules
// mount on the import path. It runs through the normal evaluate path, so a
// broken runtime image surfaces as an initialization failure instead of a
// confusing error on the first user call.
func InitSnippet(modulesPath string) string {
	return fmt.Sprintf(`
import numpy as np
import pandas as pd
import json
import sys
sys.path.insert(0, %q)
`, modulesPath)
}
