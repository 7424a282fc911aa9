package environment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/runtara/core/environment/runner"
	"github.com/runtara/core/persistence"
	"github.com/runtara/core/runtaraerr"
	"github.com/runtara/core/telemetry"
)

// StartRequest is the input to StartInstance (§4.E step 1-5).
type StartRequest struct {
	ImageID    string // resolved by id if set, else by (TenantID, ImageName)
	ImageName  string
	TenantID   string
	InstanceID string // generated if empty
	Input      []byte
	TimeoutSec *int
	Env        map[string]string
}

// Manager wires the image registry, blobstore and runner selection
// together into the instance start/stop flow.
type Manager struct {
	store   persistence.Persistence
	blobs   *Blobstore
	images  *ImageRegistry
	runners map[persistence.RunnerType]runner.Runner
	bundles *runner.BundleManager
	coreAddr string
	log     *telemetry.Logger
	metric  *telemetry.Metrics
}

func NewManager(store persistence.Persistence, blobs *Blobstore, images *ImageRegistry, bundles *runner.BundleManager, coreAddr string, log *telemetry.Logger, metric *telemetry.Metrics) *Manager {
	return &Manager{
		store: store,
		blobs: blobs,
		images: images,
		runners: map[persistence.RunnerType]runner.Runner{
			persistence.RunnerOCI:    runner.NewOciRunner(bundles),
			persistence.RunnerNative: runner.NewNativeRunner(),
		},
		bundles:  bundles,
		coreAddr: coreAddr,
		log:      log,
		metric:   metric,
	}
}

// WithRunner overrides the runner bound to a runner type, used by
// tests to install a MockRunner.
func (m *Manager) WithRunner(t persistence.RunnerType, r runner.Runner) {
	m.runners[t] = r
}

// Images returns the image registry backing this manager, for callers
// (the management RPC surface, the wake scheduler's test harness)
// that need to register or inspect images directly.
func (m *Manager) Images() *ImageRegistry {
	return m.images
}

// StartInstance resolves the image, creates the instance row, selects
// a runner by the image's runner_type, and launches it detached.
func (m *Manager) StartInstance(ctx context.Context, req StartRequest) (*persistence.Instance, error) {
	img, err := m.resolveImage(ctx, req)
	if err != nil {
		return nil, err
	}

	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	inst, err := m.store.RegisterInstance(ctx, instanceID, req.TenantID, nil)
	if err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "register instance %s", instanceID)
	}

	if _, err := m.blobs.PrepareRunDir(req.TenantID, instanceID, req.Input); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeBundleError, err, "prepare run dir %s", instanceID)
	}

	if err := m.launch(ctx, img, inst, req); err != nil {
		return nil, err
	}

	if m.metric != nil {
		m.metric.ActiveInstances.WithLabelValues(req.TenantID).Inc()
	}
	return inst, nil
}

func (m *Manager) resolveImage(ctx context.Context, req StartRequest) (*persistence.Image, error) {
	if req.ImageID != "" {
		return m.images.GetImage(ctx, req.ImageID)
	}
	return m.images.GetImageByName(ctx, req.TenantID, req.ImageName)
}

// launch selects the runner for the image's runner_type, prepares an
// OCI bundle when applicable, spawns detached, registers the
// container, and starts a monitor goroutine.
func (m *Manager) launch(ctx context.Context, img *persistence.Image, inst *persistence.Instance, req StartRequest) error {
	r, ok := m.runners[img.RunnerType]
	if !ok {
		return runtaraerr.New(runtaraerr.CodeRunnerError, fmt.Sprintf("no runner registered for type %s", img.RunnerType))
	}

	env := map[string]string{
		"RUNTARA_INSTANCE_ID": inst.InstanceID,
		"RUNTARA_TENANT_ID":   inst.TenantID,
		"DATA_DIR":            m.blobs.DataDir(),
		"RUNTARA_CORE_ADDR":   m.coreAddr,
		"STDERR_LOG_PATH":     m.blobs.StderrLogPath(inst.TenantID, inst.InstanceID),
	}
	for k, v := range req.Env {
		env[k] = v
	}

	var bundlePath string
	bundleReady := false
	if img.RunnerType == persistence.RunnerOCI && img.BundlePath != nil {
		_, statErr := os.Stat(filepath.Join(*img.BundlePath, "rootfs", "binary"))
		bundleReady = statErr == nil
	}
	switch {
	case bundleReady:
		// Resuming: the bundle from the original launch already has
		// rootfs/binary in place, only the env overlay needs updating.
		bundlePath = *img.BundlePath
	case img.RunnerType == persistence.RunnerOCI:
		binary, err := m.images.ReadBinary(img.ImageID)
		if err != nil {
			return runtaraerr.Wrap(runtaraerr.CodeBundleError, err, "read image binary %s", img.ImageID)
		}
		path, err := m.bundles.PrepareBundle(inst.InstanceID, binary)
		if err != nil {
			return runtaraerr.Wrap(runtaraerr.CodeBundleError, err, "prepare bundle %s", inst.InstanceID)
		}
		bundlePath = path
	}

	opts := runner.LaunchOptions{
		InstanceID: inst.InstanceID,
		TenantID:   inst.TenantID,
		BinaryPath: img.BinaryPath,
		BundlePath: bundlePath,
		Env:        env,
		TimeoutSec: req.TimeoutSec,
	}

	handle, err := r.LaunchDetached(ctx, opts)
	if err != nil {
		return runtaraerr.Wrap(runtaraerr.CodeLaunchFailed, err, "launch instance %s", inst.InstanceID)
	}

	entry := persistence.ContainerEntry{
		InstanceID:     inst.InstanceID,
		ContainerID:    inst.InstanceID,
		TenantID:       inst.TenantID,
		BinaryPath:     img.BinaryPath,
		StartedAt:      time.Now(),
		PID:            &handle.PID,
		TimeoutSeconds: req.TimeoutSec,
		Status:         persistence.ContainerRunning,
	}
	if bundlePath != "" {
		entry.BundlePath = &bundlePath
	}
	if err := m.store.RegisterContainer(ctx, entry); err != nil {
		return runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "register container %s", inst.InstanceID)
	}

	monitor := NewMonitor(m.store, r, m.log, m.metric)
	monitor.Watch(context.Background(), inst.InstanceID, handle, inst.TenantID)

	return nil
}

// ResumeInstance re-launches the binary backing a suspended instance
// starting from its last checkpoint, used by the wake scheduler. It
// resolves the binary/bundle/runner type from the container registry
// entry recorded at the original launch rather than re-resolving the
// image by name, so a resumed instance keeps running the exact binary
// it started with even if the image has since been re-registered
// (§8 scenario S6).
func (m *Manager) ResumeInstance(ctx context.Context, instanceID string, checkpointID *string) error {
	entry, err := m.store.GetContainer(ctx, instanceID)
	if err != nil {
		return runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "get container %s", instanceID)
	}
	if entry == nil {
		return runtaraerr.New(runtaraerr.CodeInstanceNotFound, "no container registered for "+instanceID)
	}

	inst, err := m.store.RegisterInstance(ctx, instanceID, entry.TenantID, checkpointID)
	if err != nil {
		return runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "re-register instance %s", instanceID)
	}

	runnerType := persistence.RunnerNative
	if entry.BundlePath != nil {
		runnerType = persistence.RunnerOCI
	}
	img := &persistence.Image{
		BinaryPath: entry.BinaryPath,
		BundlePath: entry.BundlePath,
		RunnerType: runnerType,
	}
	return m.launch(ctx, img, inst, StartRequest{TenantID: entry.TenantID, TimeoutSec: entry.TimeoutSeconds})
}

// StopInstance writes a cancellation request; the running container's
// runtime picks it up via its own poller, or the monitor force-stops
// it once the grace period elapses.
func (m *Manager) StopInstance(ctx context.Context, instanceID, reason string, graceSeconds int) error {
	if err := m.store.SetCancellationRequest(ctx, instanceID, reason, graceSeconds); err != nil {
		return runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "set cancellation request %s", instanceID)
	}
	return nil
}
