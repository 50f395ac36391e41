package scheduler

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdCheckpointer records the last run marker of each job under a shared
// key prefix, so operators can inspect scheduling across restarts.
type EtcdCheckpointer struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdCheckpointer(client *clientv3.Client, prefix string) *EtcdCheckpointer {
	if prefix == "" {
		prefix = "/courierdispatch/jobs/"
	}
	return &EtcdCheckpointer{client: client, prefix: prefix}
}

func (c *EtcdCheckpointer) Checkpoint(ctx context.Context, jobID string, status Status, at time.Time) error {
	payload, err := json.Marshal(map[string]interface{}{
		"status": status,
		"at":     at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = c.client.Put(ctx, c.prefix+jobID, string(payload))
	return err
}
