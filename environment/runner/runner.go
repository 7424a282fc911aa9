// Package runner implements the pluggable execution backend contract
// of §4.E: OCI container, native process, and an in-process mock used
// for tests.
package runner

import "context"

// LaunchOptions describes one instance launch request, independent of
// which runner backend executes it.
type LaunchOptions struct {
	InstanceID string
	TenantID   string
	BinaryPath string
	BundlePath string
	Env        map[string]string
	TimeoutSec *int
	MemoryMB   *int
	CPUQuota   *int
}

// Handle identifies a launched process/container to the runner that
// started it; opaque outside this package's implementations.
type Handle struct {
	PID          int
	InstanceID   string
	runnerObject any
}

// LaunchResult is the terminal outcome of a blocking Run call.
type LaunchResult struct {
	Output   []byte
	Error    *string
	ExitCode int
}

// Metrics are best-effort resource usage figures collected at exit;
// zero values mean "not available" for this runner type.
type Metrics struct {
	MaxRSSBytes  int64
	CPUTimeMicro int64
}

// Runner is the contract every execution backend implements (§4.E).
type Runner interface {
	// Run blocks until the process/container exits or ctx/cancel
	// fires, returning the terminal result.
	Run(ctx context.Context, opts LaunchOptions) (LaunchResult, error)
	// LaunchDetached starts the process/container and returns
	// immediately with a handle carrying the PID captured at the
	// moment of spawn (§4.E note 4: avoids the race where the
	// container runtime's own state query reports "not running"
	// before setup completes).
	LaunchDetached(ctx context.Context, opts LaunchOptions) (Handle, error)
	IsRunning(ctx context.Context, h Handle) (bool, error)
	Stop(ctx context.Context, h Handle) error
	CollectResult(ctx context.Context, h Handle) (LaunchResult, Metrics, error)
}
