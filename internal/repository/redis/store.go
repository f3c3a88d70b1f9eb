package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/repository"
)

var _ repository.RecordStore = (*redisRecordStore)(nil)

const keyPrefix = "hooklock:event:"

// envelope wraps the record with a numeric copy of processingStartedAt so
// the guard script can compare timestamps without parsing RFC 3339 in Lua.
type envelope struct {
	Record      domain.EventLockRecord `json:"record"`
	StartedAtMs int64                  `json:"started_at_ms"`
}

// replaceScript checks the guard against the stored envelope and swaps the
// value in one server-side step, which makes the compare-and-swap atomic.
// Returns 1 on success, 0 when the record is missing or the guard fails.
var replaceScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 0
end
local env = cjson.decode(cur)
local statuses = ARGV[3]
if statuses ~= '' then
	local ok = false
	for st in string.gmatch(statuses, '[^,]+') do
		if env.record.status == st then
			ok = true
		end
	end
	if not ok then
		return 0
	end
end
local retry = tonumber(ARGV[4])
if retry >= 0 and env.record.retry_count ~= retry then
	return 0
end
local before = tonumber(ARGV[5])
if before > 0 and env.started_at_ms >= before then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
local expireat = tonumber(ARGV[2])
if expireat > 0 then
	redis.call('EXPIREAT', KEYS[1], expireat)
end
return 1
`)

type redisRecordStore struct {
	client *goredis.Client
}

// NewRecordStore creates a Redis-backed record store. Records live as JSON
// values keyed by event id, with EXPIREAT set to ttlExpiry as a second line
// of retention defense behind the sweeper.
func NewRecordStore(client *goredis.Client) repository.RecordStore {
	return &redisRecordStore{client: client}
}

func (s *redisRecordStore) CreateIfAbsent(ctx context.Context, rec *domain.EventLockRecord) error {
	val, err := marshalEnvelope(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetArgs(ctx, keyPrefix+rec.EventID, val, goredis.SetArgs{
		Mode:     "NX",
		ExpireAt: rec.TTLExpiry,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return repository.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("redis: create record: %w", err)
	}
	if ok != "OK" {
		return repository.ErrAlreadyExists
	}
	return nil
}

func (s *redisRecordStore) ConditionalReplace(ctx context.Context, rec *domain.EventLockRecord, guard repository.Guard) error {
	val, err := marshalEnvelope(rec)
	if err != nil {
		return err
	}

	statuses := make([]string, len(guard.ExpectStatus))
	for i, st := range guard.ExpectStatus {
		statuses[i] = string(st)
	}
	retry := int64(-1)
	if guard.ExpectRetryCount != nil {
		retry = int64(*guard.ExpectRetryCount)
	}
	var before int64
	if guard.StartedBefore != nil {
		before = guard.StartedBefore.UnixMilli()
	}

	res, err := replaceScript.Run(ctx, s.client,
		[]string{keyPrefix + rec.EventID},
		val, rec.TTLExpiry.Unix(), strings.Join(statuses, ","), retry, before,
	).Int64()
	if err != nil {
		return fmt.Errorf("redis: conditional replace: %w", err)
	}
	if res != 1 {
		return repository.ErrPredicateFailed
	}
	return nil
}

func (s *redisRecordStore) Get(ctx context.Context, eventID string) (*domain.EventLockRecord, error) {
	val, err := s.client.Get(ctx, keyPrefix+eventID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get record: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(val, &env); err != nil {
		return nil, fmt.Errorf("redis: decode record %s: %w", eventID, err)
	}
	return &env.Record, nil
}

func (s *redisRecordStore) Delete(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, keyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("redis: delete record: %w", err)
	}
	return nil
}

func (s *redisRecordStore) DeleteExpired(ctx context.Context, cutoff, leaseCutoff time.Time) (int64, error) {
	var removed int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 256).Result()
		if err != nil {
			return removed, fmt.Errorf("redis: scan records: %w", err)
		}
		for _, key := range keys {
			val, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if err != nil {
				return removed, fmt.Errorf("redis: get record: %w", err)
			}
			var env envelope
			if err := json.Unmarshal(val, &env); err != nil {
				continue
			}
			rec := env.Record
			if !rec.TTLExpiry.Before(cutoff) {
				continue
			}
			if rec.Status == domain.StatusProcessing && !rec.ProcessingStartedAt.Before(leaseCutoff) {
				continue
			}
			n, err := s.client.Del(ctx, key).Result()
			if err != nil {
				return removed, fmt.Errorf("redis: delete record: %w", err)
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func marshalEnvelope(rec *domain.EventLockRecord) ([]byte, error) {
	val, err := json.Marshal(envelope{
		Record:      *rec,
		StartedAtMs: rec.ProcessingStartedAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("redis: encode record %s: %w", rec.EventID, err)
	}
	return val, nil
}
