package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sink is the append-only audit log the core writes incidents, alerts,
// fraud scores, delivery logs, resource alerts, predictions and reports to.
type Sink interface {
	AppendAudit(ctx context.Context, topic string, record map[string]interface{}) error
}

// RedisSink keeps each topic as a capped redis list, newest first.
type RedisSink struct {
	client *redis.Client
	cap    int64
}

func NewRedisSink(client *redis.Client, cap int64) *RedisSink {
	if cap <= 0 {
		cap = 1000
	}
	return &RedisSink{client: client, cap: cap}
}

func (s *RedisSink) AppendAudit(ctx context.Context, topic string, record map[string]interface{}) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	key := "audit:" + topic
	if err := s.client.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return s.client.LTrim(ctx, key, 0, s.cap-1).Err()
}

// Recent returns up to limit newest records for a topic.
func (s *RedisSink) Recent(ctx context.Context, topic string, limit int64) ([]map[string]interface{}, error) {
	items, err := s.client.LRange(ctx, "audit:"+topic, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit topic %s: %w", topic, err)
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		var record map[string]interface{}
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

// SQLSink persists audit records into a single append-only table.
type SQLSink struct {
	db *sql.DB
}

func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

func (s *SQLSink) AppendAudit(ctx context.Context, topic string, record map[string]interface{}) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO audit_log (topic, record, created_at) VALUES ($1, $2, $3)",
		topic, payload, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// MemSink is an in-memory sink for tests and for running without external
// backends.
type MemSink struct {
	mu      sync.Mutex
	records map[string][]map[string]interface{}
}

func NewMemSink() *MemSink {
	return &MemSink{records: make(map[string][]map[string]interface{})}
}

func (s *MemSink) AppendAudit(_ context.Context, topic string, record map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[topic] = append(s.records[topic], record)
	return nil
}

// Records returns a copy of everything appended to a topic.
func (s *MemSink) Records(topic string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.records[topic]...)
}
