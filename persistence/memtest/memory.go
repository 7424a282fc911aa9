// Package memtest is an in-memory persistence.Persistence used by
// coordinator/sdk/compensation unit and scenario tests, grounded on
// the original implementation's MockPersistence test double.
package memtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/runtara/core/persistence"
)

type checkpointKey struct {
	instanceID   string
	checkpointID string
}

// Store is a mutex-guarded, single-process implementation of
// persistence.Persistence. It is not durable and not safe across
// processes; it exists purely for tests and for the SDK's embedded
// backend in single-process integration tests.
type Store struct {
	mu sync.Mutex

	instances   map[string]*persistence.Instance
	checkpoints map[checkpointKey]*persistence.Checkpoint
	cpOrder     map[string]int64 // instanceID -> next compensation_order
	cpByInst    map[string][]checkpointKey

	signals       map[string]*persistence.PendingSignal
	customSignals map[checkpointKey]*persistence.CustomSignal

	events map[string][]*persistence.Event
	retries map[string][]*persistence.RetryAttempt

	images     map[string]*persistence.Image
	imageNames map[[2]string]string // (tenant,name) -> imageID

	containers map[string]*persistence.ContainerEntry

	compensationAttempts map[string][]*persistence.CompensationAttempt

	nextCompensationAttemptOrder int64
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		instances:            make(map[string]*persistence.Instance),
		checkpoints:          make(map[checkpointKey]*persistence.Checkpoint),
		cpOrder:              make(map[string]int64),
		cpByInst:             make(map[string][]checkpointKey),
		signals:              make(map[string]*persistence.PendingSignal),
		customSignals:        make(map[checkpointKey]*persistence.CustomSignal),
		events:               make(map[string][]*persistence.Event),
		retries:              make(map[string][]*persistence.RetryAttempt),
		images:               make(map[string]*persistence.Image),
		imageNames:           make(map[[2]string]string),
		containers:           make(map[string]*persistence.ContainerEntry),
		compensationAttempts: make(map[string][]*persistence.CompensationAttempt),
	}
}

var _ persistence.Persistence = (*Store)(nil)

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// --- Instances ---

func (s *Store) RegisterInstance(ctx context.Context, instanceID, tenantID string, checkpointID *string) (*persistence.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		inst = &persistence.Instance{
			InstanceID:  instanceID,
			TenantID:    tenantID,
			Status:      persistence.StatusPending,
			MaxAttempts: 1,
			CreatedAt:   time.Now().UTC(),
		}
		s.instances[instanceID] = inst
	}
	if inst.Status.Terminal() {
		return nil, fmt.Errorf("%w: instance %s is terminal (%s)", persistence.ErrInvalidState, instanceID, inst.Status)
	}
	if checkpointID != nil {
		inst.LastCheckpointID = checkpointID
	}
	if inst.Status == persistence.StatusPending && inst.StartedAt == nil {
		now := time.Now().UTC()
		inst.StartedAt = &now
	}
	inst.Status = persistence.StatusRunning
	return clone(inst), nil
}

func (s *Store) GetInstance(ctx context.Context, instanceID string) (*persistence.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, nil
	}
	return clone(inst), nil
}

func (s *Store) ListInstances(ctx context.Context, f persistence.InstanceFilter) ([]*persistence.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*persistence.Instance
	for _, inst := range s.instances {
		if f.TenantID != nil && inst.TenantID != *f.TenantID {
			continue
		}
		if f.Status != nil && inst.Status != *f.Status {
			continue
		}
		if f.CreatedAfter != nil && inst.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && inst.CreatedAt.After(*f.CreatedBefore) {
			continue
		}
		out = append(out, clone(inst))
	}
	sort.Slice(out, func(i, j int) bool {
		if f.OrderByCreatedAsc {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset > 0 && f.Offset < len(out) {
		out = out[f.Offset:]
	} else if f.Offset >= len(out) {
		out = nil
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, instanceID string, status persistence.InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: instance %s is terminal (%s)", persistence.ErrInvalidState, instanceID, inst.Status)
	}
	inst.Status = status
	return nil
}

func (s *Store) CompleteInstance(ctx context.Context, instanceID string, status persistence.InstanceStatus, output []byte, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: instance %s is already terminal (%s)", persistence.ErrInvalidState, instanceID, inst.Status)
	}
	now := time.Now().UTC()
	inst.Status = status
	inst.FinishedAt = &now
	inst.Output = output
	inst.Error = errMsg
	return nil
}

func (s *Store) SetSleep(ctx context.Context, instanceID string, sleepUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	inst.SleepUntil = &sleepUntil
	inst.Status = persistence.StatusSuspended
	return nil
}

func (s *Store) ClearSleep(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	inst.SleepUntil = nil
	return nil
}

func (s *Store) GetSleepingDue(ctx context.Context, now time.Time, limit int) ([]*persistence.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Instance
	for _, inst := range s.instances {
		if inst.Status != persistence.StatusSuspended || inst.SleepUntil == nil {
			continue
		}
		if inst.SleepUntil.After(now) {
			continue
		}
		out = append(out, clone(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SleepUntil.Before(*out[j].SleepUntil) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// --- Checkpoints ---

func (s *Store) SaveCheckpoint(ctx context.Context, cp persistence.Checkpoint) (persistence.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey{cp.InstanceID, cp.CheckpointID}
	if existing, ok := s.checkpoints[key]; ok {
		return *existing, true, nil
	}
	s.cpOrder[cp.InstanceID]++
	cp.CompensationOrder = s.cpOrder[cp.InstanceID]
	cp.CreatedAt = time.Now().UTC()
	stored := cp
	s.checkpoints[key] = &stored
	s.cpByInst[cp.InstanceID] = append(s.cpByInst[cp.InstanceID], key)
	if inst, ok := s.instances[cp.InstanceID]; ok {
		id := cp.CheckpointID
		inst.LastCheckpointID = &id
	}
	return stored, false, nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, instanceID, checkpointID string) (*persistence.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[checkpointKey{instanceID, checkpointID}]
	if !ok {
		return nil, nil
	}
	return clone(cp), nil
}

func (s *Store) ListCheckpoints(ctx context.Context, instanceID string) ([]*persistence.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Checkpoint
	for _, key := range s.cpByInst[instanceID] {
		out = append(out, clone(s.checkpoints[key]))
	}
	return out, nil
}

func (s *Store) CountCheckpoints(ctx context.Context, instanceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cpByInst[instanceID]), nil
}

func (s *Store) GetCompensatableInReverseOrder(ctx context.Context, instanceID string) ([]*persistence.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Checkpoint
	for _, key := range s.cpByInst[instanceID] {
		cp := s.checkpoints[key]
		if cp.CompensationCapability != nil {
			out = append(out, clone(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompensationOrder > out[j].CompensationOrder })
	return out, nil
}

func (s *Store) SetCompensationState(ctx context.Context, instanceID, checkpointID string, state persistence.CompensationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[checkpointKey{instanceID, checkpointID}]
	if !ok {
		return fmt.Errorf("%w: checkpoint %s/%s", persistence.ErrNotFound, instanceID, checkpointID)
	}
	cp.CompensationState = state
	return nil
}

// --- Signals ---

func precedence(t persistence.SignalType) int {
	switch t {
	case persistence.SignalCancel:
		return 3
	case persistence.SignalPause:
		return 2
	case persistence.SignalResume:
		return 1
	default:
		return 0
	}
}

func (s *Store) InsertSignal(ctx context.Context, instanceID string, signalType persistence.SignalType, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.signals[instanceID]
	if ok && existing.AcknowledgedAt == nil {
		if precedence(signalType) < precedence(existing.SignalType) {
			return nil // dropped: lower-precedence signal than what's pending
		}
	}
	s.signals[instanceID] = &persistence.PendingSignal{
		InstanceID: instanceID,
		SignalType: signalType,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	return nil
}

func (s *Store) GetPendingSignal(ctx context.Context, instanceID string) (*persistence.PendingSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[instanceID]
	if !ok || sig.AcknowledgedAt != nil {
		return nil, nil
	}
	return clone(sig), nil
}

func (s *Store) AcknowledgeSignal(ctx context.Context, instanceID string, signalType persistence.SignalType, acknowledged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[instanceID]
	if !ok || sig.SignalType != signalType {
		return nil
	}
	if !acknowledged {
		return nil
	}
	delete(s.signals, instanceID)
	inst, ok := s.instances[instanceID]
	if !ok || inst.Status.Terminal() {
		return nil
	}
	switch signalType {
	case persistence.SignalCancel:
		inst.Status = persistence.StatusCancelled
		now := time.Now().UTC()
		inst.FinishedAt = &now
	case persistence.SignalPause:
		inst.Status = persistence.StatusSuspended
	}
	return nil
}

func (s *Store) InsertCustomSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customSignals[checkpointKey{instanceID, checkpointID}] = &persistence.CustomSignal{
		InstanceID:   instanceID,
		CheckpointID: checkpointID,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	}
	return nil
}

func (s *Store) TakeCustomSignal(ctx context.Context, instanceID, checkpointID string) (*persistence.CustomSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey{instanceID, checkpointID}
	sig, ok := s.customSignals[key]
	if !ok {
		return nil, nil
	}
	delete(s.customSignals, key)
	now := time.Now().UTC()
	sig.ConsumedAt = &now
	return clone(sig), nil
}

// --- Events ---

func (s *Store) AppendEvent(ctx context.Context, ev persistence.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.OccurredAt = time.Now().UTC()
	s.events[ev.InstanceID] = append(s.events[ev.InstanceID], &ev)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, instanceID string, f persistence.EventFilter) ([]*persistence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Event
	for _, ev := range s.events[instanceID] {
		if f.Kind != nil && ev.Kind != *f.Kind {
			continue
		}
		if f.Since != nil && ev.OccurredAt.Before(*f.Since) {
			continue
		}
		out = append(out, clone(ev))
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountEvents(ctx context.Context, instanceID string, f persistence.EventFilter) (int, error) {
	out, err := s.ListEvents(ctx, instanceID, f)
	return len(out), err
}

// --- Retry ---

func (s *Store) SaveRetryAttempt(ctx context.Context, ra persistence.RetryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ra.RecordedAt = time.Now().UTC()
	key := ra.InstanceID + "/" + ra.CheckpointID
	s.retries[key] = append(s.retries[key], &ra)
	if inst, ok := s.instances[ra.InstanceID]; ok {
		inst.Attempt = ra.Attempt
	}
	return nil
}

func (s *Store) ListRetryAttempts(ctx context.Context, instanceID, checkpointID string) ([]*persistence.RetryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[instanceID+"/"+checkpointID], nil
}

// --- Images ---

func (s *Store) UpsertImage(ctx context.Context, img persistence.Image) (persistence.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	img.UpdatedAt = now
	key := [2]string{img.TenantID, img.Name}
	if _, ok := s.imageNames[key]; !ok {
		img.CreatedAt = now
	} else if existing, ok := s.images[s.imageNames[key]]; ok {
		img.CreatedAt = existing.CreatedAt
	}
	s.images[img.ImageID] = &img
	s.imageNames[key] = img.ImageID
	return img, nil
}

func (s *Store) GetImage(ctx context.Context, imageID string) (*persistence.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[imageID]
	if !ok {
		return nil, nil
	}
	return clone(img), nil
}

func (s *Store) GetImageByName(ctx context.Context, tenantID, name string) (*persistence.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.imageNames[[2]string{tenantID, name}]
	if !ok {
		return nil, nil
	}
	return clone(s.images[id]), nil
}

func (s *Store) ListImages(ctx context.Context, tenantID string, limit, offset int) ([]*persistence.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Image
	for _, img := range s.images {
		if img.TenantID == tenantID {
			out = append(out, clone(img))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, limit, offset), nil
}

func (s *Store) ListAllImages(ctx context.Context, limit, offset int) ([]*persistence.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Image
	for _, img := range s.images {
		out = append(out, clone(img))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *Store) DeleteImage(ctx context.Context, imageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[imageID]
	if !ok {
		return false, nil
	}
	delete(s.images, imageID)
	delete(s.imageNames, [2]string{img.TenantID, img.Name})
	return true, nil
}

func (s *Store) UpdateImagePaths(ctx context.Context, imageID, binaryPath string, bundlePath *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[imageID]
	if !ok {
		return fmt.Errorf("%w: image %s", persistence.ErrNotFound, imageID)
	}
	img.BinaryPath = binaryPath
	img.BundlePath = bundlePath
	img.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Container registry ---

func (s *Store) RegisterContainer(ctx context.Context, c persistence.ContainerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Status == "" {
		c.Status = persistence.ContainerRunning
	}
	c.StatusUpdatedAt = time.Now().UTC()
	s.containers[c.InstanceID] = &c
	return nil
}

func (s *Store) UnregisterContainer(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, instanceID)
	return nil
}

func (s *Store) GetContainer(ctx context.Context, instanceID string) (*persistence.ContainerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[instanceID]
	if !ok {
		return nil, nil
	}
	return clone(c), nil
}

func (s *Store) ListContainersByTenant(ctx context.Context, tenantID string) ([]*persistence.ContainerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.ContainerEntry
	for _, c := range s.containers {
		if c.TenantID == tenantID {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (s *Store) UpdateContainerPID(ctx context.Context, instanceID string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[instanceID]
	if !ok {
		return fmt.Errorf("%w: container %s", persistence.ErrNotFound, instanceID)
	}
	c.PID = &pid
	return nil
}

func (s *Store) SetContainerStatus(ctx context.Context, instanceID string, status persistence.ContainerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[instanceID]
	if !ok {
		return fmt.Errorf("%w: container %s", persistence.ErrNotFound, instanceID)
	}
	c.Status = status
	c.StatusUpdatedAt = time.Now().UTC()
	return nil
}

// SetContainerStatusIfRunning is the monitor's non-clobbering update:
// it only writes status if the container is still marked running,
// leaving a completed/failed status already written through
// SetContainerStatus untouched. Returns whether it wrote.
func (s *Store) SetContainerStatusIfRunning(ctx context.Context, instanceID string, status persistence.ContainerStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[instanceID]
	if !ok {
		return false, fmt.Errorf("%w: container %s", persistence.ErrNotFound, instanceID)
	}
	if c.Status != persistence.ContainerRunning {
		return false, nil
	}
	c.Status = status
	c.StatusUpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) GetContainerStatus(ctx context.Context, instanceID string) (persistence.ContainerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[instanceID]
	if !ok {
		return "", fmt.Errorf("%w: container %s", persistence.ErrNotFound, instanceID)
	}
	return c.Status, nil
}

func (s *Store) ClearContainerStatus(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[instanceID]
	if !ok {
		return nil
	}
	c.Status = ""
	return nil
}

func (s *Store) SetCancellationRequest(ctx context.Context, instanceID, reason string, graceSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[instanceID]
	if !ok {
		return fmt.Errorf("%w: container %s", persistence.ErrNotFound, instanceID)
	}
	c.CancelRequested = true
	c.CancelReason = &reason
	c.CancelGraceSecs = &graceSeconds
	return nil
}

func (s *Store) ClearCancellationRequest(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[instanceID]
	if !ok {
		return nil
	}
	c.CancelRequested = false
	c.CancelReason = nil
	c.CancelGraceSecs = nil
	return nil
}

func (s *Store) RecordHeartbeat(ctx context.Context, instanceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[instanceID]
	if !ok {
		return fmt.Errorf("%w: container %s", persistence.ErrNotFound, instanceID)
	}
	c.LastHeartbeat = &at
	return nil
}

func (s *Store) ClearHeartbeat(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[instanceID]
	if !ok {
		return nil
	}
	c.LastHeartbeat = nil
	return nil
}

func (s *Store) CleanupStaleContainers(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for id, c := range s.containers {
		if c.LastHeartbeat == nil || c.LastHeartbeat.Before(cutoff) {
			delete(s.containers, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) CleanupContainer(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, instanceID)
	return nil
}

// --- Compensation ---

func (s *Store) CountPendingCompensations(ctx context.Context, instanceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, key := range s.cpByInst[instanceID] {
		cp := s.checkpoints[key]
		if cp.CompensationCapability != nil && cp.CompensationState != persistence.CompensationCompleted {
			n++
		}
	}
	return n, nil
}

func (s *Store) AllCompensationsSucceeded(ctx context.Context, instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.cpByInst[instanceID] {
		cp := s.checkpoints[key]
		if cp.CompensationCapability != nil && cp.CompensationState != persistence.CompensationCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) LogCompensationAttempt(ctx context.Context, a persistence.CompensationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.AttemptedAt = time.Now().UTC()
	s.compensationAttempts[a.InstanceID] = append(s.compensationAttempts[a.InstanceID], &a)
	return nil
}

func (s *Store) SetInstanceCompensationState(ctx context.Context, instanceID string, state persistence.CompensationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	inst.CompensationState = state
	return nil
}

func (s *Store) GetCompensationStatus(ctx context.Context, instanceID string) (*persistence.CompensationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", persistence.ErrNotFound, instanceID)
	}
	status := &persistence.CompensationStatus{State: inst.CompensationState}
	for _, key := range s.cpByInst[instanceID] {
		cp := s.checkpoints[key]
		if cp.CompensationCapability == nil {
			continue
		}
		status.TotalSteps++
		switch cp.CompensationState {
		case persistence.CompensationCompleted:
			status.CompletedSteps++
		case persistence.CompensationFailed:
			status.FailedSteps++
		default:
			status.PendingCheckpoints = append(status.PendingCheckpoints, cp.CheckpointID)
		}
	}
	return status, nil
}

// --- Maintenance ---

func (s *Store) GetTerminalInstancesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, inst := range s.instances {
		if !inst.Status.Terminal() || inst.FinishedAt == nil {
			continue
		}
		if inst.FinishedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteBatch(ctx context.Context, instanceIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range instanceIDs {
		if _, ok := s.instances[id]; !ok {
			continue
		}
		for _, key := range s.cpByInst[id] {
			delete(s.checkpoints, key)
		}
		delete(s.cpByInst, id)
		delete(s.cpOrder, id)
		delete(s.signals, id)
		delete(s.events, id)
		delete(s.containers, id)
		delete(s.compensationAttempts, id)
		for key := range s.customSignals {
			if key.instanceID == id {
				delete(s.customSignals, key)
			}
		}
		for key := range s.retries {
			if strings.HasPrefix(key, id+"/") {
				delete(s.retries, key)
			}
		}
		delete(s.instances, id)
		n++
	}
	return n, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}
