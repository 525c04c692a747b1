// Package redis implements store.Store on Redis with go-redis.
//
// Jobs are hashes indexed by per-queue sorted sets scored by due time;
// a Lua script claims due jobs in priority order. Workflow runs, steps and
// events are hashes, recurring entries are JSON documents with a separate
// expiring lock key. Correlations live in three hashes plus a sorted set of
// creation times, and outcomes are encoded with a codec.Codec (MessagePack
// by default). Every multi-key correlation write runs as one Lua script.
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client, redis.WithKeyPrefix("orders:"))
//	if err := s.Ping(ctx); err != nil { ... }
package redis
