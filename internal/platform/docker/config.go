package docker

import (
	"time"
)

// Config holds the configuration for Docker-backed environments.
type Config struct {
	// Image is the runtime image used for every environment. It must carry
	// python3 plus the numeric working set (numpy, pandas) the interpreter
	// sessions pre-import.
	Image string
	// MemoryLimit is the maximum amount of memory a container can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs a container can use.
	CPULimit float64
	// PIDsLimit caps the process count per container.
	PIDsLimit int64
	// PoolSize is the number of pre-warmed environments to keep around.
	// Zero disables the pool and every provision creates a fresh container.
	PoolSize int
	// ProvisionTimeout bounds container create + start.
	ProvisionTimeout time.Duration
	// ServersHostPath is an optional host directory of auxiliary tool
	// modules, bind-mounted read-only at ModulesMount. If the path is
	// missing the environment is created without it; the modules are a
	// convenience, not a hard dependency.
	ServersHostPath string
	// ModulesMount is where the tool modules appear inside the environment.
	ModulesMount string
}

// DefaultConfig provides sensible defaults for a Python execution sandbox.
func DefaultConfig() Config {
	return Config{
		Image:            "agent-sandbox-runtime:latest",
		MemoryLimit:      2048 * 1024 * 1024,
		CPULimit:         1.0,
		PIDsLimit:        128,
		PoolSize:         0,
		ProvisionTimeout: 30 * time.Second,
		ModulesMount:     "/mnt/servers",
	}
}
