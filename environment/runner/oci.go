package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// OciRunner launches instances as crun containers, one container id
// per instance, built from a bundle prepared by BundleManager.
type OciRunner struct {
	bundles    *BundleManager
	crunPath   string
	containers sync.Map // instanceID -> containerID
}

func NewOciRunner(bundles *BundleManager) *OciRunner {
	return &OciRunner{bundles: bundles, crunPath: "crun"}
}

func (r *OciRunner) containerID(instanceID string) string {
	return "runtara-" + instanceID
}

func (r *OciRunner) Run(ctx context.Context, opts LaunchOptions) (LaunchResult, error) {
	if opts.TimeoutSec != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*opts.TimeoutSec)*time.Second)
		defer cancel()
	}
	bundleDir, err := r.prepare(opts)
	if err != nil {
		return LaunchResult{}, err
	}

	cid := r.containerID(opts.InstanceID)
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, r.crunPath, "run", "--bundle", bundleDir, cid)
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()

	result := LaunchResult{Output: out.Bytes()}
	if runErr != nil {
		msg := runErr.Error()
		result.Error = &msg
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	return result, nil
}

func (r *OciRunner) LaunchDetached(ctx context.Context, opts LaunchOptions) (Handle, error) {
	bundleDir, err := r.prepare(opts)
	if err != nil {
		return Handle{}, err
	}

	cid := r.containerID(opts.InstanceID)
	pidFile := bundleDir + ".pid"
	cmd := exec.Command(r.crunPath, "run", "--bundle", bundleDir, "--pid-file", pidFile, "-d", cid)
	if err := cmd.Run(); err != nil {
		return Handle{}, fmt.Errorf("oci runner: crun run %s: %w", cid, err)
	}
	r.containers.Store(opts.InstanceID, cid)

	// crun writes the container's PID to --pid-file synchronously
	// before the detached run call returns, so the value read here is
	// captured at spawn rather than raced against a later state query.
	pid := 0
	if raw, err := os.ReadFile(pidFile); err == nil {
		fmt.Sscanf(string(raw), "%d", &pid)
	}
	return Handle{PID: pid, InstanceID: opts.InstanceID}, nil
}

func (r *OciRunner) prepare(opts LaunchOptions) (string, error) {
	bundleDir := opts.BundlePath
	if bundleDir == "" {
		bundleDir = r.bundles.BundlePath(opts.InstanceID)
	}
	if err := r.bundles.UpdateBundleEnvAt(bundleDir, opts.Env, opts.Env["STDERR_LOG_PATH"]); err != nil {
		return "", err
	}
	return bundleDir, nil
}

func (r *OciRunner) IsRunning(ctx context.Context, h Handle) (bool, error) {
	cid, ok := r.containers.Load(h.InstanceID)
	if !ok {
		return false, fmt.Errorf("oci runner: unknown instance %s", h.InstanceID)
	}
	out, err := exec.CommandContext(ctx, r.crunPath, "state", cid.(string)).Output()
	if err != nil {
		return false, nil
	}
	return bytes.Contains(out, []byte(`"status":"running"`)), nil
}

func (r *OciRunner) Stop(ctx context.Context, h Handle) error {
	cid, ok := r.containers.Load(h.InstanceID)
	if !ok {
		return fmt.Errorf("oci runner: unknown instance %s", h.InstanceID)
	}
	if err := exec.CommandContext(ctx, r.crunPath, "kill", cid.(string), "TERM").Run(); err != nil {
		return fmt.Errorf("oci runner: kill %s: %w", cid, err)
	}
	return nil
}

func (r *OciRunner) CollectResult(ctx context.Context, h Handle) (LaunchResult, Metrics, error) {
	cid, ok := r.containers.Load(h.InstanceID)
	if !ok {
		return LaunchResult{}, Metrics{}, fmt.Errorf("oci runner: unknown instance %s", h.InstanceID)
	}
	out, err := exec.CommandContext(ctx, r.crunPath, "state", cid.(string)).Output()
	result := LaunchResult{Output: out}
	if err != nil {
		msg := err.Error()
		result.Error = &msg
	}
	_ = exec.CommandContext(ctx, r.crunPath, "delete", cid.(string)).Run()
	r.containers.Delete(h.InstanceID)
	return result, Metrics{}, nil
}
