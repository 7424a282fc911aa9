package wake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/runtara/core/persistence"
)

// legacyWakeQueuePrefix namespaces wake entries in etcd's flat
// keyspace when the scheduler runs without a core-persistence handle
// (§4.E: "a legacy wake_queue table path exists as fallback").
const legacyWakeQueuePrefix = "/runtara/wake_queue/"

// EtcdWakeQueue is the fallback wake_queue implementation backed by
// etcd, used only when the scheduler isn't sharing the coordinator's
// persistence handle.
type EtcdWakeQueue struct {
	client *clientv3.Client
}

func NewEtcdWakeQueue(client *clientv3.Client) *EtcdWakeQueue {
	return &EtcdWakeQueue{client: client}
}

// Upsert writes (or replaces) a wake entry for instanceID, matching
// the primary path's "upsert on instance_id" semantics.
func (q *EtcdWakeQueue) Upsert(ctx context.Context, entry persistence.WakeEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("wake: marshal entry %s: %w", entry.InstanceID, err)
	}
	if _, err := q.client.Put(ctx, legacyWakeQueuePrefix+entry.InstanceID, string(encoded)); err != nil {
		return fmt.Errorf("wake: etcd put %s: %w", entry.InstanceID, err)
	}
	return nil
}

func (q *EtcdWakeQueue) Remove(ctx context.Context, instanceID string) error {
	if _, err := q.client.Delete(ctx, legacyWakeQueuePrefix+instanceID); err != nil {
		return fmt.Errorf("wake: etcd delete %s: %w", instanceID, err)
	}
	return nil
}

// Due returns wake entries whose wake_at has passed, up to limit.
func (q *EtcdWakeQueue) Due(ctx context.Context, now time.Time, limit int) ([]persistence.WakeEntry, error) {
	resp, err := q.client.Get(ctx, legacyWakeQueuePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("wake: etcd scan: %w", err)
	}
	var due []persistence.WakeEntry
	for _, kv := range resp.Kvs {
		var entry persistence.WakeEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			continue
		}
		if !entry.WakeAt.After(now) {
			due = append(due, entry)
			if len(due) >= limit {
				break
			}
		}
	}
	return due, nil
}
