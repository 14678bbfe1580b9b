// Package cachebus implements C2: a short-TTL cache, a pub/sub event bus with
// exact-match and glob-pattern subscriptions, and named distributed locks, all
// backed by a single embedded NATS server with a JetStream key/value bucket.
// Failures here are tolerable by design: a cache miss falls through to the store
// (C1) and a publish failure is logged, never allowed to roll back a transaction
// that already committed.
package cachebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/riftloom/fleetward/internal/orcherr"
)

// Config controls the embedded bus.
type Config struct {
	Embedded bool
	URL      string
	CacheTTL time.Duration
	LockTTL  time.Duration
}

// Bus is the C2 cache/bus/lock surface. One Bus serves every team; channel and key
// names are namespaced by team id.
type Bus struct {
	embedded *server.Server
	nc       *nats.Conn
	js       nats.JetStreamContext
	cacheKV  nats.KeyValue
	lockKV   nats.KeyValue
	cacheTTL time.Duration
	lockTTL  time.Duration
	logger   *slog.Logger
}

// Event is the stable wire schema for every published channel message.
type Event struct {
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// New starts (or connects to) the bus and provisions its KV buckets.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}

	b := &Bus{cacheTTL: cfg.CacheTTL, lockTTL: cfg.LockTTL, logger: logger}

	var url string
	if cfg.Embedded {
		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      -1, // random free port, single-binary deployment
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, orcherr.Fatal("cachebus: start embedded nats", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, orcherr.Fatal("cachebus: embedded nats did not become ready", nil)
		}
		b.embedded = ns
		url = ns.ClientURL()
	} else {
		url = cfg.URL
	}

	nc, err := nats.Connect(url, nats.Name("orchestrator"))
	if err != nil {
		b.Close()
		return nil, orcherr.Fatal(fmt.Sprintf("cachebus: connect %s", url), err)
	}
	b.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		b.Close()
		return nil, orcherr.Fatal("cachebus: jetstream context", err)
	}
	b.js = js

	cacheKV, err := js.CreateKeyValue(&nats.KeyValueConfig{Bucket: "orch_cache", TTL: cfg.CacheTTL})
	if err != nil {
		b.Close()
		return nil, orcherr.Fatal("cachebus: create cache bucket", err)
	}
	b.cacheKV = cacheKV

	lockKV, err := js.CreateKeyValue(&nats.KeyValueConfig{Bucket: "orch_locks", TTL: cfg.LockTTL})
	if err != nil {
		b.Close()
		return nil, orcherr.Fatal("cachebus: create lock bucket", err)
	}
	b.lockKV = lockKV

	return b, nil
}

// Close tears down the NATS connection and, if embedded, the in-process server.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
	}
}

// Channel builds the fixed channel name team:{T}:events:{kind}.
func Channel(team, kind string) string {
	return fmt.Sprintf("team:%s:events:%s", team, kind)
}

// Publish emits an event on team:{T}:events:{kind}. A publish failure is logged and
// returned, but must never be treated as a reason to roll back a transaction that
// already committed — callers publish only after commit.
func (b *Bus) Publish(team, kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return orcherr.Bus("cachebus: marshal event data", err)
	}
	ev := Event{Kind: kind, Data: raw, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(ev)
	if err != nil {
		return orcherr.Bus("cachebus: marshal event", err)
	}
	subject := Channel(team, kind)
	if err := b.nc.Publish(subject, payload); err != nil {
		b.logger.Error("cachebus: publish failed, store is authoritative", "subject", subject, "error", err)
		return orcherr.Bus("cachebus: publish "+subject, err)
	}
	return nil
}

// Subscription is a live glob or exact-match subscription. Unsubscribe stops delivery.
type Subscription struct {
	sub *nats.Subscription
}

// Unsubscribe cancels delivery for this subscription.
func (s *Subscription) Unsubscribe() error {
	if s == nil || s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Subscribe registers handler on pattern, which may contain NATS wildcards (e.g.
// "team:T:events:task.*" or "team:T:events:>"). Handler errors are logged, never
// propagated — pub/sub is best-effort; subscribers reconcile with the durable store
// on reconnect.
func (b *Bus) Subscribe(pattern string, handler func(Event)) (*Subscription, error) {
	sub, err := b.nc.Subscribe(pattern, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Error("cachebus: undecodable event", "subject", msg.Subject, "error", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, orcherr.Bus("cachebus: subscribe "+pattern, err)
	}
	return &Subscription{sub: sub}, nil
}

// Lock attempts to acquire a named lock with the bus's default TTL. It returns
// ok=false (not an error) when the lock is already held — an ordinary conflict,
// and correctness never depends on it: claim_task re-validates inside a C1
// transaction regardless of whether the lock was actually acquired.
func (b *Bus) Lock(ctx context.Context, key string) (unlock func(), ok bool, err error) {
	rev, putErr := b.lockKV.Create(key, []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	if putErr != nil {
		if err2 := classifyKVCreateErr(putErr); err2 == nil {
			return nil, false, nil // lost the race
		}
		return nil, false, orcherr.Transient("cachebus: acquire lock "+key, putErr)
	}
	unlock = func() {
		_ = b.lockKV.Delete(key, nats.LastRevision(rev))
	}
	return unlock, true, nil
}

// classifyKVCreateErr returns nil when putErr indicates the key already exists
// (a lost race, not a transient failure), and putErr otherwise.
func classifyKVCreateErr(putErr error) error {
	if putErr == nats.ErrKeyExists {
		return nil
	}
	return putErr
}

// CacheGet returns a cached value and true if present and unexpired, false on miss.
// A miss (or any error) is never fatal to the caller — it falls through to C1.
func (b *Bus) CacheGet(key string) ([]byte, bool) {
	entry, err := b.cacheKV.Get(key)
	if err != nil {
		return nil, false
	}
	return entry.Value(), true
}

// CacheSet writes a short-TTL cached value.
func (b *Bus) CacheSet(key string, value []byte) error {
	if _, err := b.cacheKV.Put(key, value); err != nil {
		return orcherr.Bus("cachebus: cache set "+key, err)
	}
	return nil
}
