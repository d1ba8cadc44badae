package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Invalidation tells other instances that a page changed. Instances wipe
// their whole cache on receipt; PageID is informational.
type Invalidation struct {
	PageID string `json:"pageId"`
	Origin string `json:"origin"`
	// Version is the new version after a save, empty after a delete.
	Version string `json:"version,omitempty"`
}

// Bus carries invalidations between instances sharing one page backend.
type Bus interface {
	Publish(ctx context.Context, msg Invalidation) error
	// Subscribe delivers messages published by other instances until ctx is
	// done. It returns once the subscription is active.
	Subscribe(ctx context.Context, onMsg func(Invalidation)) error
	// Origin identifies this instance in published messages.
	Origin() string
	Close() error
}

// LocalBus delivers invalidations between endpoints in one process. It is
// the default when no Redis address is configured; Peer gives a second
// endpoint for running several services against one store.
type LocalBus struct {
	origin string
	hub    *localHub
}

type localHub struct {
	mu   sync.RWMutex
	subs map[int]localSub
	next int
}

type localSub struct {
	origin string
	fn     func(Invalidation)
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{origin: uuid.NewString(), hub: &localHub{subs: make(map[int]localSub)}}
}

// Peer returns another endpoint on the same bus with its own origin.
func (b *LocalBus) Peer() *LocalBus {
	return &LocalBus{origin: uuid.NewString(), hub: b.hub}
}

// Origin implements Bus.
func (b *LocalBus) Origin() string { return b.origin }

// Publish implements Bus. Handlers run synchronously and never see messages
// from their own endpoint.
func (b *LocalBus) Publish(ctx context.Context, msg Invalidation) error {
	if msg.Origin == "" {
		msg.Origin = b.origin
	}
	b.hub.mu.RLock()
	handlers := make([]func(Invalidation), 0, len(b.hub.subs))
	for _, s := range b.hub.subs {
		if s.origin != msg.Origin {
			handlers = append(handlers, s.fn)
		}
	}
	b.hub.mu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
	return nil
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(ctx context.Context, onMsg func(Invalidation)) error {
	h := b.hub
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = localSub{origin: b.origin, fn: onMsg}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}()
	return nil
}

// Close drops this endpoint's subscriptions.
func (b *LocalBus) Close() error {
	h := b.hub
	h.mu.Lock()
	for id, s := range h.subs {
		if s.origin == b.origin {
			delete(h.subs, id)
		}
	}
	h.mu.Unlock()
	return nil
}

// RedisBusConfig configures a RedisBus.
type RedisBusConfig struct {
	Addr     string
	Password string
	Channel  string // default "pagecraft:invalidate"
}

// RedisBus fans invalidations out over Redis pub/sub.
type RedisBus struct {
	log     zerolog.Logger
	rdb     *redis.Client
	channel string
	origin  string
}

// NewRedisBus connects to Redis and verifies the connection with a ping.
func NewRedisBus(ctx context.Context, cfg RedisBusConfig, log zerolog.Logger) (*RedisBus, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis bus: missing address")
	}
	ch := strings.TrimSpace(cfg.Channel)
	if ch == "" {
		ch = "pagecraft:invalidate"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{
		log:     log.With().Str("component", "redis-bus").Str("channel", ch).Logger(),
		rdb:     rdb,
		channel: ch,
		origin:  uuid.NewString(),
	}, nil
}

// Origin implements Bus.
func (b *RedisBus) Origin() string { return b.origin }

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, msg Invalidation) error {
	if msg.Origin == "" {
		msg.Origin = b.origin
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(ctx context.Context, onMsg func(Invalidation)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var msg Invalidation
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.log.Warn().Err(err).Msg("bad invalidation payload")
					continue
				}
				if msg.Origin == b.origin {
					continue
				}
				onMsg(msg)
			}
		}
	}()

	return nil
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

var (
	_ Bus = (*LocalBus)(nil)
	_ Bus = (*RedisBus)(nil)
)
