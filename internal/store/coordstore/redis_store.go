package coordstore

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fleetctl/coordinator/internal/domain"
)

// casRenewScript renews ttl only if the key's current value equals holder.
// This is the compare-and-swap-by-value primitive spec.md §4.1 calls for.
var casRenewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// casReleaseScript clears the key only if still held by holder.
var casReleaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

const workerIndexKey = "worker:index"

type redisStore struct {
	rdb *goredis.Client
}

func NewRedisStore(rdb *goredis.Client) Store {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *redisStore) Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	res, err := casRenewScript.Run(ctx, s.rdb, []string{key}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *redisStore) Release(ctx context.Context, key, holder string) error {
	_, err := casReleaseScript.Run(ctx, s.rdb, []string{key}, holder).Int64()
	return err
}

func (s *redisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *redisStore) SetString(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

func (s *redisStore) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) HSetWorker(ctx context.Context, entry domain.WorkerDirectoryEntry, ttl time.Duration) error {
	key := domain.WorkerKey(entry.ID)
	fields := map[string]interface{}{
		"node_id":            entry.NodeID,
		"rpc_host":           entry.RPCHost,
		"rpc_port":           entry.RPCPort,
		"role":               string(entry.Role),
		"last_heartbeat_ts":  entry.LastHeartbeatTS.UTC().Format(time.RFC3339Nano),
		"load":               entry.Load,
		"current_job_run_id": entry.CurrentJobRunID,
		"detached":           entry.Detached,
		"draining":           entry.Draining,
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	pipe.SAdd(ctx, workerIndexKey, strconv.FormatInt(entry.ID, 10))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) ExpireWorker(ctx context.Context, id int64, ttl time.Duration) error {
	return s.rdb.Expire(ctx, domain.WorkerKey(id), ttl).Err()
}

func (s *redisStore) GetWorker(ctx context.Context, id int64) (*domain.WorkerDirectoryEntry, bool, error) {
	m, err := s.rdb.HGetAll(ctx, domain.WorkerKey(id)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	entry := workerFromMap(id, m)
	return &entry, true, nil
}

func (s *redisStore) ScanWorkers(ctx context.Context) ([]domain.WorkerDirectoryEntry, error) {
	ids, err := s.rdb.SMembers(ctx, workerIndexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.WorkerDirectoryEntry, 0, len(ids))
	stale := make([]string, 0)
	for _, idStr := range ids {
		id, perr := strconv.ParseInt(idStr, 10, 64)
		if perr != nil {
			stale = append(stale, idStr)
			continue
		}
		m, herr := s.rdb.HGetAll(ctx, domain.WorkerKey(id)).Result()
		if herr != nil {
			return nil, herr
		}
		if len(m) == 0 {
			// Hash expired on TTL miss; drop it from the index lazily.
			stale = append(stale, idStr)
			continue
		}
		out = append(out, workerFromMap(id, m))
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, workerIndexKey, toAny(stale)...).Err()
	}
	return out, nil
}

func (s *redisStore) SetFlag(ctx context.Context, key string) error {
	return s.rdb.Set(ctx, key, "1", 0).Err()
}

func (s *redisStore) GetFlag(ctx context.Context, key string) (bool, error) {
	_, err := s.rdb.Get(ctx, key).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *redisStore) ClearFlag(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func workerFromMap(id int64, m map[string]string) domain.WorkerDirectoryEntry {
	port, _ := strconv.Atoi(m["rpc_port"])
	load, _ := strconv.Atoi(m["load"])
	detached := m["detached"] == "1" || m["detached"] == "true"
	draining := m["draining"] == "1" || m["draining"] == "true"
	ts, _ := time.Parse(time.RFC3339Nano, m["last_heartbeat_ts"])
	return domain.WorkerDirectoryEntry{
		ID:              id,
		NodeID:          m["node_id"],
		RPCHost:         m["rpc_host"],
		RPCPort:         port,
		Role:            domain.Role(m["role"]),
		LastHeartbeatTS: ts,
		Load:            load,
		CurrentJobRunID: m["current_job_run_id"],
		Detached:        detached,
		Draining:        draining,
	}
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
