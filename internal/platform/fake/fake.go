// Package fake is an in-memory platform implementation for tests. It
// simulates the resident interpreter loop and one-shot shell commands well
// enough to exercise session lifecycle, framing, timeouts, and restarts
// without a container runtime.
package fake

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/agent-sandbox/internal/platform"
)

// Platform implements platform.Platform in memory.
type Platform struct {
	mu           sync.Mutex
	envs         []*Environment
	ProvisionErr error // when set, Provision fails with it
}

func New() *Platform {
	return &Platform{}
}

func (p *Platform) Provision(_ context.Context) (platform.Environment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProvisionErr != nil {
		return nil, p.ProvisionErr
	}
	env := &Environment{id: xid.New().String()}
	p.envs = append(p.envs, env)
	return env, nil
}

// Environments returns every environment provisioned so far.
func (p *Platform) Environments() []*Environment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Environment(nil), p.envs...)
}

// Environment is one fake execution context with its own interpreter
// namespace.
type Environment struct {
	id         string
	mu         sync.Mutex
	procs      []*Process
	terminated bool
	SpawnErr   error // when set, Spawn fails with it
}

func (e *Environment) ID() string { return e.id }

func (e *Environment) Terminate(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = true
	for _, proc := range e.procs {
		proc.Kill()
	}
	return nil
}

func (e *Environment) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// Processes returns every process spawned so far, newest last.
func (e *Environment) Processes() []*Process {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Process(nil), e.procs...)
}

func (e *Environment) Spawn(_ context.Context, argv []string) (platform.Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return nil, fmt.Errorf("environment %s is terminated", e.id)
	}
	if e.SpawnErr != nil {
		return nil, e.SpawnErr
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	proc := newProcess()
	switch argv[0] {
	case "python3":
		// The resident loop: read JSON lines, evaluate against a
		// persistent namespace, answer one line per request.
		go proc.runInterpreter()
	case "bash":
		if len(argv) != 3 || argv[1] != "-c" {
			return nil, fmt.Errorf("unsupported bash invocation %v", argv)
		}
		go proc.runShell(argv[2])
	default:
		return nil, fmt.Errorf("unsupported argv %v", argv)
	}

	e.procs = append(e.procs, proc)
	return proc, nil
}

// Process simulates a process inside the environment. Its stdout is exposed
// as a chunk channel and stderr as an io.Reader so tests cover more than one
// stream shape end to end.
type Process struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter

	stdout chan []byte

	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exitOnce sync.Once
	exited   chan struct{}
	exitCode int

	killOnce sync.Once
	killed   chan struct{}
}

func newProcess() *Process {
	stdinR, stdinW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	return &Process{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdout:  make(chan []byte, 64),
		stderrR: stderrR,
		stderrW: stderrW,
		exited:  make(chan struct{}),
		killed:  make(chan struct{}),
	}
}

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() any           { return (<-chan []byte)(p.stdout) }
func (p *Process) Stderr() any           { return p.stderrR }

func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		return p.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Kill collapses the process's streams, exactly like tearing down a real
// attach connection: pending reads fail, writes to stdin break. The runner
// goroutine notices and exits on its own; only it ever closes stdout, so a
// kill can never race a send.
func (p *Process) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		p.stdinR.CloseWithError(io.ErrClosedPipe)
		p.stdinW.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}

func (p *Process) exit(code int) {
	p.exitOnce.Do(func() {
		p.exitCode = code
		close(p.stdout)
		p.stderrW.Close()
		close(p.exited)
	})
}

func (p *Process) emitStdout(s string) {
	select {
	case p.stdout <- []byte(s):
	case <-p.killed:
	}
}

// runInterpreter is the fake resident loop: one persistent namespace,
// one JSON response line per JSON request line.
func (p *Process) runInterpreter() {
	namespace := map[string]string{}
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg struct {
			Code      string `json:"code"`
			Terminate bool   `json:"_terminate"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Terminate {
			p.respond(true, "", "")
			break
		}
		ok, stdout, stderr := evaluate(namespace, msg.Code)
		p.respond(ok, stdout, stderr)
	}
	p.exit(0)
}

func (p *Process) respond(ok bool, stdout, stderr string) {
	b, _ := json.Marshal(map[string]any{"ok": ok, "stdout": stdout, "stderr": stderr})
	p.emitStdout(string(b) + "\n")
}

// evaluate interprets a tiny slice of Python: imports, sys.path edits,
// simple assignments, print of a literal or bound name, time.sleep, and
// raise. That covers everything the sessions' init snippet and the test
// suite send.
func evaluate(namespace map[string]string, code string) (ok bool, stdout, stderr string) {
	var out strings.Builder
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "import ") || strings.HasPrefix(line, "from "):
		case strings.HasPrefix(line, "sys.path.insert"):
		case strings.HasPrefix(line, "time.sleep(") && strings.HasSuffix(line, ")"):
			arg := line[len("time.sleep(") : len(line)-1]
			if secs, err := strconv.ParseFloat(arg, 64); err == nil {
				time.Sleep(time.Duration(secs * float64(time.Second)))
			}
		case strings.HasPrefix(line, "raise "):
			return false, out.String(), "Traceback (most recent call last):\n  File \"<session>\", line 1, in <module>\n" + strings.TrimPrefix(line, "raise ") + "\n"
		case strings.HasPrefix(line, "print(") && strings.HasSuffix(line, ")"):
			arg := line[len("print(") : len(line)-1]
			val, err := resolve(namespace, arg)
			if err != nil {
				return false, out.String(), "Traceback (most recent call last):\n  File \"<session>\", line 1, in <module>\n" + err.Error() + "\n"
			}
			out.WriteString(val + "\n")
		case strings.Contains(line, " = "):
			parts := strings.SplitN(line, " = ", 2)
			name := strings.TrimSpace(parts[0])
			val, err := resolve(namespace, strings.TrimSpace(parts[1]))
			if err != nil {
				return false, out.String(), "Traceback (most recent call last):\n  File \"<session>\", line 1, in <module>\n" + err.Error() + "\n"
			}
			namespace[name] = val
		}
	}
	return true, out.String(), ""
}

// resolve evaluates a literal (quoted string or number) or a bound name.
func resolve(namespace map[string]string, expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if len(expr) >= 2 && (expr[0] == '"' || expr[0] == '\'') && expr[len(expr)-1] == expr[0] {
		return expr[1 : len(expr)-1], nil
	}
	if _, err := strconv.ParseFloat(expr, 64); err == nil {
		return expr, nil
	}
	if val, bound := namespace[expr]; bound {
		return val, nil
	}
	return "", fmt.Errorf("NameError: name '%s' is not defined", expr)
}

// runShell executes a tiny shell: commands joined by " && ", each one of
// echo (optionally redirected to stderr with >&2), sleep, or exit.
func (p *Process) runShell(command string) {
	code := 0
	for _, part := range strings.Split(command, " && ") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "echo "):
			msg := strings.TrimPrefix(part, "echo ")
			if cut, found := strings.CutSuffix(msg, " >&2"); found {
				p.stderrW.Write([]byte(cut + "\n"))
			} else {
				p.emitStdout(msg + "\n")
			}
		case strings.HasPrefix(part, "sleep "):
			if secs, err := strconv.ParseFloat(strings.TrimPrefix(part, "sleep "), 64); err == nil {
				select {
				case <-time.After(time.Duration(secs * float64(time.Second))):
				case <-p.killed:
					p.exit(137)
					return
				}
			}
		case strings.HasPrefix(part, "exit "):
			if n, err := strconv.Atoi(strings.TrimPrefix(part, "exit ")); err == nil {
				code = n
			}
		}
	}
	p.exit(code)
}
