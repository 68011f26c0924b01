package docker

import (
	"os"
	"time"
)

// Config holds the configuration for Docker execution environments.
type Config struct {
	// MemoryLimit is the maximum amount of memory the container can use (in bytes).
	// Swap is disabled by setting the swap limit to the same value.
	MemoryLimit int64
	// CPULimit is the number of CPUs the container can use.
	CPULimit float64
	// PidsLimit caps the number of processes, which stops fork bombs.
	PidsLimit int64
	// NetworkMode is the container network; "none" denies all networking.
	NetworkMode string
	// User the program runs as inside the container.
	User string
	// TmpfsSize is the size of the writable /tmp, e.g. "64m".
	TmpfsSize string
	// InstanceID labels every container this service creates. Reap only
	// touches containers with the same id, so each service instance sharing
	// a daemon needs its own. A restarted instance keeps its id and reaps
	// what its predecessor leaked.
	InstanceID string
	// PullImages pulls every language image at startup.
	PullImages bool
	// PullTimeout bounds the startup image pulls.
	PullTimeout time.Duration
	// RemoveTimeout bounds a single container removal.
	RemoveTimeout time.Duration
}

// DefaultConfig provides sensible defaults for untrusted code.
func DefaultConfig() Config {
	return Config{
		// 128 MB memory limit
		MemoryLimit: 128 * 1024 * 1024,
		// 0.5 CPU shares
		CPULimit:      0.5,
		PidsLimit:     64,
		NetworkMode:   "none",
		User:          "nobody",
		TmpfsSize:     "64m",
		InstanceID:    defaultInstanceID(),
		PullImages:    false,
		PullTimeout:   5 * time.Minute,
		RemoveTimeout: 10 * time.Second,
	}
}

func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "default"
}
