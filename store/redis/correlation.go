package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/outcome"
)

// The correlation scripts all take keys.correlation() as KEYS:
// forward, reverse, created, outcomes, sealed.

var putMappingScript = goredis.NewScript(`
local jid, inst = ARGV[1], ARGV[2]
local prev = redis.call('HGET', KEYS[1], jid)
if prev and prev ~= inst and redis.call('HGET', KEYS[2], prev) == jid then
  redis.call('HDEL', KEYS[2], prev)
end
local owner = redis.call('HGET', KEYS[2], inst)
if owner and owner ~= jid then
  redis.call('HDEL', KEYS[1], owner)
  redis.call('ZREM', KEYS[3], owner)
end
redis.call('HSET', KEYS[1], jid, inst)
redis.call('HSET', KEYS[2], inst, jid)
redis.call('ZADD', KEYS[3], ARGV[3], jid)
return 1
`)

var putResultScript = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[5], ARGV[1]) == 1 then return 0 end
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
if ARGV[3] == '1' then redis.call('HSET', KEYS[5], ARGV[1], '1') end
return 1
`)

// unlink is shared by remove and purge.
const unlinkLua = `
local function unlink(jid)
  local inst = redis.call('HGET', KEYS[1], jid)
  if not inst then return 0 end
  redis.call('HDEL', KEYS[1], jid)
  redis.call('ZREM', KEYS[3], jid)
  if redis.call('HGET', KEYS[2], inst) == jid then
    redis.call('HDEL', KEYS[2], inst)
  end
  redis.call('HDEL', KEYS[4], inst)
  redis.call('HDEL', KEYS[5], inst)
  return 1
end
`

var removeMappingScript = goredis.NewScript(unlinkLua + `
return unlink(ARGV[1])
`)

var purgeScript = goredis.NewScript(unlinkLua + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[1])
local n = 0
for _, jid in ipairs(ids) do
  n = n + unlink(jid)
end
return n
`)

// PutMapping records that jobID launched instanceID.
func (s *Store) PutMapping(ctx context.Context, jobID, instanceID string) error {
	if err := correlation.CheckMapping(jobID, instanceID); err != nil {
		return err
	}
	now := time.Now().UTC().UnixMicro()
	if err := putMappingScript.Run(ctx, s.client, s.keys.correlation(),
		jobID, instanceID, now,
	).Err(); err != nil {
		return unavailable("put mapping", err)
	}
	return nil
}

// InstanceIDFor returns the instance mapped to jobID, or "".
func (s *Store) InstanceIDFor(ctx context.Context, jobID string) (string, error) {
	return s.hget(ctx, "instance for job", s.keys.forward(), jobID)
}

// JobIDFor returns the job mapped to instanceID, or "".
func (s *Store) JobIDFor(ctx context.Context, instanceID string) (string, error) {
	return s.hget(ctx, "job for instance", s.keys.reverse(), instanceID)
}

func (s *Store) hget(ctx context.Context, op, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable(op, err)
	}
	return v, nil
}

// PutResult stores the outcome of instanceID unless a terminal one is
// already there.
func (s *Store) PutResult(ctx context.Context, instanceID string, o *outcome.Outcome) error {
	if err := correlation.CheckResult(instanceID, o); err != nil {
		return err
	}
	data, err := s.codec.Encode(o)
	if err != nil {
		return fmt.Errorf("flowbridge/redis: encode outcome: %w", err)
	}
	terminal := "0"
	if o.Terminal() {
		terminal = "1"
	}

	stored, err := putResultScript.Run(ctx, s.client, s.keys.correlation(),
		instanceID, data, terminal,
	).Int()
	if err != nil {
		return unavailable("put result", err)
	}
	if stored == 0 {
		return fmt.Errorf("%w: instance %s", flowbridge.ErrOutcomeSealed, instanceID)
	}
	return nil
}

// ResultFor returns the stored outcome of instanceID, or nil.
func (s *Store) ResultFor(ctx context.Context, instanceID string) (*outcome.Outcome, error) {
	data, err := s.client.HGet(ctx, s.keys.outcomes(), instanceID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("result for instance", err)
	}
	o, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/redis: decode outcome of %s: %w", instanceID, err)
	}
	return o, nil
}

// RemoveMapping deletes jobID's mapping in both directions and the
// instance's outcome.
func (s *Store) RemoveMapping(ctx context.Context, jobID string) (bool, error) {
	n, err := removeMappingScript.Run(ctx, s.client, s.keys.correlation(), jobID).Int()
	if err != nil {
		return false, unavailable("remove mapping", err)
	}
	return n == 1, nil
}

// Mappings returns every job to instance mapping.
func (s *Store) Mappings(ctx context.Context) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.keys.forward()).Result()
	if err != nil {
		return nil, unavailable("mappings", err)
	}
	return m, nil
}

// PurgeOlderThan removes every mapping created before cutoff together with
// its reverse entry and outcome.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := purgeScript.Run(ctx, s.client, s.keys.correlation(),
		strconv.FormatInt(cutoff.UTC().UnixMicro(), 10),
	).Int()
	if err != nil {
		return 0, unavailable("purge mappings", err)
	}
	if n > 0 {
		s.logger.Debug("purged correlation mappings",
			slog.Int("count", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}
