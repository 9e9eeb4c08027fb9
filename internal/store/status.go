package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"autognosis/internal/logging"
)

// Status is the snapshot a node publishes for operators and peers.
type Status struct {
	NodeID           uint32    `json:"node_id"`
	RunID            string    `json:"run_id"`
	Address          string    `json:"address,omitempty"`
	Health           float64   `json:"health"`
	Autonomy         float64   `json:"autonomy"`
	Load             float64   `json:"load"`
	SwarmHealth      float64   `json:"swarm_health"`
	HomeostaticIndex float64   `json:"homeostatic_index"`
	Emergence        float64   `json:"emergence"`
	AgencyLevel      string    `json:"agency_level"`
	Atoms            int       `json:"atoms"`
	Peers            int       `json:"peers"`
	Cycles           uint64    `json:"cycles"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RedisConfig configures status snapshots.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// DefaultRedisConfig returns settings with snapshots disabled (empty Addr).
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{KeyPrefix: "autognosis", TTL: 90 * time.Second}
}

// RedisStatus publishes Status snapshots with a TTL so that departed nodes
// disappear on their own.
type RedisStatus struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// DialRedisStatus connects to cfg.Addr and checks the connection.
func DialRedisStatus(ctx context.Context, cfg RedisConfig) (*RedisStatus, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	logging.Store("status snapshots to redis %s", cfg.Addr)
	return NewRedisStatus(client, cfg), nil
}

// NewRedisStatus wraps an existing client.
func NewRedisStatus(client *redis.Client, cfg RedisConfig) *RedisStatus {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisConfig().KeyPrefix
	}
	return &RedisStatus{client: client, prefix: prefix, ttl: cfg.TTL}
}

func (r *RedisStatus) key(id uint32) string {
	return r.prefix + ":node:" + strconv.FormatUint(uint64(id), 10)
}

// Publish stores s under the node's key.
func (r *RedisStatus) Publish(ctx context.Context, s Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(s.NodeID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// Get returns the snapshot of node id, if present.
func (r *RedisStatus) Get(ctx context.Context, id uint32) (Status, bool, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("get status %d: %w", id, err)
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return Status{}, false, fmt.Errorf("decode status %d: %w", id, err)
	}
	return s, true, nil
}

// List returns every live snapshot ordered by node id.
func (r *RedisStatus) List(ctx context.Context) ([]Status, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+":node:*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan status keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	out := make([]Status, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var s Status
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			logging.StoreDebug("skipping %s: %v", keys[i], err)
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// Remove deletes the node's snapshot.
func (r *RedisStatus) Remove(ctx context.Context, id uint32) error {
	return r.client.Del(ctx, r.key(id)).Err()
}

// Close closes the client.
func (r *RedisStatus) Close() error { return r.client.Close() }
