// Copyright 2025 James Ross
package redisstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jross/workitem-queue/internal/adapter"
	"github.com/jross/workitem-queue/internal/config"
	"github.com/jross/workitem-queue/internal/obs"
	"github.com/jross/workitem-queue/internal/workitem"
)

const backendName = "redis"

// payloadTTL is the 7-day expiry every per-id key carries (spec 4.3), and
// exceptionTTL is the shorter 24h window exception details persist for.
const (
	payloadTTL   = 7 * 24 * time.Hour
	exceptionTTL = 24 * time.Hour
)

// inlineThreshold is overridden per-Backend from RC_WORKITEM_FILE_SIZE_THRESHOLD;
// files at or above this many bytes go to the filesystem instead of inline
// base64 in the files hash.
const defaultInlineThreshold = 1_000_000

// Backend is the KV adapter: list+hash key layout over redis/go-redis/v9,
// atomic list-move reservation, hybrid file storage. Ground on
// original_source/redis_adapter.py and the teacher's redis_lists.go.
type Backend struct {
	rdb             redis.Cmdable
	queue           string
	outputQueue     string
	filesDir        string
	inlineThreshold int64
	closeFn         func() error
}

// Open builds a Backend bound to queueName over an existing client. Exposed
// separately from New so tests can point it at a miniredis instance.
func Open(rdb redis.Cmdable, queueName, filesDir string, inlineThreshold int64, closeFn func() error) (*Backend, error) {
	if inlineThreshold <= 0 {
		inlineThreshold = defaultInlineThreshold
	}
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}
	return &Backend{
		rdb:             rdb,
		queue:           queueName,
		outputQueue:     workitem.OutputQueueName(queueName),
		filesDir:        filesDir,
		inlineThreshold: inlineThreshold,
		closeFn:         closeFn,
	}, nil
}

func New(ctx context.Context, cfg *config.Config) (adapter.Adapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		DB:           cfg.Redis.DB,
		Password:     cfg.Redis.Password,
		PoolSize:     cfg.Redis.MaxConnections,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, adapter.New(backendName, "connect", adapter.ErrTransientUnavailable, err)
	}
	return Open(rdb, cfg.QueueName, cfg.FilesDir, cfg.FileSizeThreshold, rdb.Close)
}

func init() {
	adapter.Register(config.AdapterRedis, New)
}

func (b *Backend) Close() error {
	if b.closeFn != nil {
		return b.closeFn()
	}
	return nil
}

// key builds {queue}:{suffix}[:{id}], the layout from spec 4.3.
func (b *Backend) key(queue, suffix, id string) string {
	if id == "" {
		return fmt.Sprintf("%s:%s", queue, suffix)
	}
	return fmt.Sprintf("%s:%s:%s", queue, suffix, id)
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	obs.BackendErrors.WithLabelValues(backendName, op, adapter.ErrTransientUnavailable.Error()).Inc()
	return adapter.New(backendName, op, adapter.ErrTransientUnavailable, err)
}

// resolveQueue implements the lookup-then-cache queue resolution from spec
// 4.1/9: try the input queue, then consult the origin_queue hint, then fall
// back to a direct probe of the output queue. The side key is a hint, not
// authority -- it is only trusted after a positive hexists check.
func (b *Backend) resolveQueue(ctx context.Context, id string) (string, error) {
	exists, err := b.rdb.HExists(ctx, b.key(b.queue, "payload", id), "payload").Result()
	if err != nil {
		return "", wrapErr("resolve_queue", err)
	}
	if exists {
		return b.queue, nil
	}

	if origin, err := b.rdb.Get(ctx, b.key("origin_queue", id, "")).Result(); err == nil && origin != "" {
		if ok, err := b.rdb.HExists(ctx, b.key(origin, "payload", id), "payload").Result(); err == nil && ok {
			return origin, nil
		}
	} else if err != nil && err != redis.Nil {
		return "", wrapErr("resolve_queue", err)
	}

	exists, err = b.rdb.HExists(ctx, b.key(b.outputQueue, "payload", id), "payload").Result()
	if err != nil {
		return "", wrapErr("resolve_queue", err)
	}
	if exists {
		return b.outputQueue, nil
	}
	return "", adapter.New(backendName, "resolve_queue", adapter.ErrNotFound, nil)
}

// ReserveInput atomically moves an id from {q}:pending to {q}:processing via
// RPOPLPUSH (spec 4.3). rpoplpush on an empty list returns redis.Nil.
func (b *Backend) ReserveInput(ctx context.Context) (string, error) {
	defer obs.ObserveDuration(backendName, "reserve_input")(time.Now())
	id, err := b.rdb.RPopLPush(ctx, b.key(b.queue, "pending", ""), b.key(b.queue, "processing", "")).Result()
	if err == redis.Nil {
		return "", adapter.New(backendName, "reserve_input", adapter.ErrEmptyQueue, nil)
	}
	if err != nil {
		return "", wrapErr("reserve_input", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, b.key(b.queue, "timestamps", id), "reserved_at", now)
	pipe.HSet(ctx, b.key(b.queue, "payload", id), "state", string(workitem.Reserved))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", wrapErr("reserve_input", err)
	}
	obs.ItemsReserved.WithLabelValues(backendName, b.queue).Inc()
	return id, nil
}

// ReleaseInput removes id from the processing list and records it under the
// terminal set, per spec 4.3. Release is a no-op on an id with no payload
// hash in the input queue: nothing is written, nil is returned, and no
// warning is logged.
func (b *Backend) ReleaseInput(ctx context.Context, id string, state workitem.State, exception *workitem.Exception) error {
	defer obs.ObserveDuration(backendName, "release_input")(time.Now())
	if err := adapter.ValidateRelease(state, exception); err != nil {
		return adapter.New(backendName, "release_input", adapter.ErrInvalidArgument, err)
	}

	known, err := b.rdb.HExists(ctx, b.key(b.queue, "payload", id), "payload").Result()
	if err != nil {
		return wrapErr("release_input", err)
	}
	if !known {
		return nil
	}

	if err := b.rdb.LRem(ctx, b.key(b.queue, "processing", ""), 0, id).Err(); err != nil {
		return wrapErr("release_input", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := b.rdb.Pipeline()
	if state == workitem.Completed {
		pipe.SAdd(ctx, b.key(b.queue, "done", ""), id)
	} else {
		pipe.SAdd(ctx, b.key(b.queue, "failed", ""), id)
		pipe.HSet(ctx, b.key(b.queue, "exception", id), map[string]interface{}{
			"type":    exception.Type,
			"code":    exception.Code,
			"message": exception.Message,
		})
		pipe.Expire(ctx, b.key(b.queue, "exception", id), exceptionTTL)
	}
	pipe.HSet(ctx, b.key(b.queue, "timestamps", id), "released_at", now)
	pipe.Set(ctx, b.key(b.queue, "state", id), string(state), payloadTTL)
	pipe.HSet(ctx, b.key(b.queue, "payload", id), "state", string(state))
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("release_input", err)
	}
	obs.ItemsReleased.WithLabelValues(backendName, b.queue, string(state)).Inc()
	return nil
}

// CreateOutput inserts a PENDING item into the caller's output queue.
func (b *Backend) CreateOutput(ctx context.Context, parentID string, payload interface{}) (string, error) {
	defer obs.ObserveDuration(backendName, "create_output")(time.Now())
	id, err := b.insert(ctx, b.outputQueue, parentID, payload)
	if err == nil {
		obs.ItemsCreated.WithLabelValues(backendName, b.queue, "create_output").Inc()
	}
	return id, err
}

// SeedInput inserts a PENDING item into the input queue. The KV backend has
// no unique-constraint mechanism, so callID is accepted for interface parity
// but not enforced -- duplicate prevention is a document-store guarantee
// (spec 4.4).
func (b *Backend) SeedInput(ctx context.Context, payload interface{}, parentID string, files map[string][]byte, callID string) (string, error) {
	defer obs.ObserveDuration(backendName, "seed_input")(time.Now())
	id, err := b.insert(ctx, b.queue, parentID, payload)
	if err != nil {
		return "", err
	}
	for name, content := range files {
		if err := b.AddFile(ctx, id, name, content); err != nil {
			return "", err
		}
	}
	obs.ItemsCreated.WithLabelValues(backendName, b.queue, "seed_input").Inc()
	return id, nil
}

func (b *Backend) insert(ctx context.Context, queue, parentID string, payload interface{}) (string, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", adapter.New(backendName, "insert", adapter.ErrInvalidArgument, err)
	}
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	pipe := b.rdb.Pipeline()
	payloadKey := b.key(queue, "payload", id)
	pipe.HSet(ctx, payloadKey, map[string]interface{}{
		"payload":    string(payloadJSON),
		"queue_name": queue,
		"state":      string(workitem.Pending),
	})
	pipe.Expire(ctx, payloadKey, payloadTTL)
	if parentID != "" {
		parentKey := b.key(queue, "parent", id)
		pipe.Set(ctx, parentKey, parentID, payloadTTL)
	}
	tsKey := b.key(queue, "timestamps", id)
	pipe.HSet(ctx, tsKey, "created_at", now)
	pipe.Expire(ctx, tsKey, payloadTTL)
	pipe.LPush(ctx, b.key(queue, "pending", ""), id)
	if queue != b.queue {
		pipe.Set(ctx, b.key("origin_queue", id, ""), queue, payloadTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", wrapErr("insert", err)
	}
	return id, nil
}

func (b *Backend) LoadPayload(ctx context.Context, id string) (interface{}, error) {
	defer obs.ObserveDuration(backendName, "load_payload")(time.Now())
	queue, err := b.resolveQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, err := b.rdb.HGet(ctx, b.key(queue, "payload", id), "payload").Result()
	if err == redis.Nil {
		return nil, adapter.New(backendName, "load_payload", adapter.ErrNotFound, nil)
	}
	if err != nil {
		return nil, wrapErr("load_payload", err)
	}
	var payload interface{}
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, adapter.New(backendName, "load_payload", adapter.ErrInvalidArgument, err)
	}
	return payload, nil
}

func (b *Backend) SavePayload(ctx context.Context, id string, payload interface{}) error {
	defer obs.ObserveDuration(backendName, "save_payload")(time.Now())
	queue, err := b.resolveQueue(ctx, id)
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return adapter.New(backendName, "save_payload", adapter.ErrInvalidArgument, err)
	}
	payloadKey := b.key(queue, "payload", id)
	if err := b.rdb.HSet(ctx, payloadKey, "payload", string(payloadJSON)).Err(); err != nil {
		return wrapErr("save_payload", err)
	}
	b.rdb.Expire(ctx, payloadKey, payloadTTL)
	return nil
}

func (b *Backend) ListFiles(ctx context.Context, id string) ([]string, error) {
	defer obs.ObserveDuration(backendName, "list_files")(time.Now())
	queue, err := b.resolveQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	names, err := b.rdb.HKeys(ctx, b.key(queue, "files", id)).Result()
	if err != nil {
		return nil, wrapErr("list_files", err)
	}
	return names, nil
}

func (b *Backend) GetFile(ctx context.Context, id, name string) ([]byte, error) {
	defer obs.ObserveDuration(backendName, "get_file")(time.Now())
	queue, err := b.resolveQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	ref, err := b.rdb.HGet(ctx, b.key(queue, "files", id), name).Result()
	if err == redis.Nil {
		return nil, adapter.New(backendName, "get_file", adapter.ErrFileNotFound, nil)
	}
	if err != nil {
		return nil, wrapErr("get_file", err)
	}
	if strings.HasPrefix(ref, "file://") {
		path := strings.TrimPrefix(ref, "file://")
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, adapter.New(backendName, "get_file", adapter.ErrFileNotFound, err)
		}
		return content, nil
	}
	content, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return nil, adapter.New(backendName, "get_file", adapter.ErrInvalidArgument, err)
	}
	return content, nil
}

func (b *Backend) AddFile(ctx context.Context, id, name string, content []byte) error {
	defer obs.ObserveDuration(backendName, "add_file")(time.Now())
	if err := adapter.ValidateFilename(name); err != nil {
		return err
	}
	if err := adapter.ValidateFileSize(content); err != nil {
		return err
	}
	queue, err := b.resolveQueue(ctx, id)
	if err != nil {
		return err
	}
	filesKey := b.key(queue, "files", id)
	exists, err := b.rdb.HExists(ctx, filesKey, name).Result()
	if err != nil {
		return wrapErr("add_file", err)
	}
	if exists {
		return adapter.New(backendName, "add_file", adapter.ErrFileExists, nil)
	}

	var value string
	if int64(len(content)) >= b.inlineThreshold {
		itemDir := filepath.Join(b.filesDir, id)
		if err := os.MkdirAll(itemDir, 0o755); err != nil {
			return adapter.New(backendName, "add_file", adapter.ErrTransientUnavailable, err)
		}
		path := filepath.Join(itemDir, name)
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return adapter.New(backendName, "add_file", adapter.ErrTransientUnavailable, err)
		}
		value = "file://" + path
	} else {
		value = base64.StdEncoding.EncodeToString(content)
	}

	if err := b.rdb.HSet(ctx, filesKey, name, value).Err(); err != nil {
		return wrapErr("add_file", err)
	}
	b.rdb.Expire(ctx, filesKey, payloadTTL)
	return nil
}

func (b *Backend) RemoveFile(ctx context.Context, id, name string) error {
	defer obs.ObserveDuration(backendName, "remove_file")(time.Now())
	queue, err := b.resolveQueue(ctx, id)
	if err != nil {
		return err
	}
	filesKey := b.key(queue, "files", id)
	ref, err := b.rdb.HGet(ctx, filesKey, name).Result()
	if err == redis.Nil {
		return adapter.New(backendName, "remove_file", adapter.ErrFileNotFound, nil)
	}
	if err != nil {
		return wrapErr("remove_file", err)
	}
	if strings.HasPrefix(ref, "file://") {
		_ = os.Remove(strings.TrimPrefix(ref, "file://"))
	}
	if err := b.rdb.HDel(ctx, filesKey, name).Err(); err != nil {
		return wrapErr("remove_file", err)
	}
	return nil
}

// RecoverOrphanedWorkItems scans {q}:processing and moves back any id whose
// reserved_at predates the cutoff, per spec 4.3.
func (b *Backend) RecoverOrphanedWorkItems(ctx context.Context, timeout time.Duration) ([]string, error) {
	defer obs.ObserveDuration(backendName, "recover_orphaned_work_items")(time.Now())
	ids, err := b.rdb.LRange(ctx, b.key(b.queue, "processing", ""), 0, -1).Result()
	if err != nil {
		return nil, wrapErr("recover_orphaned_work_items", err)
	}
	cutoff := time.Now().Add(-timeout)
	var recovered []string
	for _, id := range ids {
		reservedAtStr, err := b.rdb.HGet(ctx, b.key(b.queue, "timestamps", id), "reserved_at").Result()
		if err == redis.Nil || reservedAtStr == "" {
			continue
		}
		if err != nil {
			return recovered, wrapErr("recover_orphaned_work_items", err)
		}
		reservedAt, err := time.Parse(time.RFC3339Nano, reservedAtStr)
		if err != nil || !reservedAt.Before(cutoff) {
			continue
		}

		pipe := b.rdb.Pipeline()
		pipe.LRem(ctx, b.key(b.queue, "processing", ""), 0, id)
		pipe.LPush(ctx, b.key(b.queue, "pending", ""), id)
		pipe.HDel(ctx, b.key(b.queue, "timestamps", id), "reserved_at")
		pipe.HSet(ctx, b.key(b.queue, "payload", id), "state", string(workitem.Pending))
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, wrapErr("recover_orphaned_work_items", err)
		}
		recovered = append(recovered, id)
	}
	if len(recovered) > 0 {
		obs.OrphansRecovered.WithLabelValues(backendName, b.queue).Add(float64(len(recovered)))
	}
	return recovered, nil
}

// PendingCount satisfies adapter.PendingCounter by reading the pending
// list's length directly, same cost as any other list op.
func (b *Backend) PendingCount(ctx context.Context) (int, error) {
	n, err := b.rdb.LLen(ctx, b.key(b.queue, "pending", "")).Result()
	if err != nil {
		return 0, wrapErr("pending_count", err)
	}
	return int(n), nil
}
