// Package sessions tracks client sessions for the HTTP transports. Session
// metadata is persisted through storage.KV so multi-node deployments can
// route a client to any instance, while live connection counts stay local.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/contexthost/mcprt/concurrency"
	"github.com/contexthost/mcprt/storage"
)

const (
	// IDLength is the length of minted session ids.
	IDLength = 32

	idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	keyPrefix = "session:"
)

// ClientInfo records what the session's client declared about itself during
// initialization.
type ClientInfo struct {
	Name            string `json:"name,omitempty"`
	Version         string `json:"version,omitempty"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
	// Subject is the authenticated principal, when the binding runs with an
	// OAuth resource server.
	Subject string `json:"subject,omitempty"`
}

// Session is a snapshot of one session's metadata. Connections reflects the
// live connection count on this instance at the time of the snapshot.
type Session struct {
	ID          string     `json:"id"`
	Client      ClientInfo `json:"client"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSeenAt  time.Time  `json:"lastSeenAt"`
	Connections int        `json:"-"`
}

// Config configures a Registry.
type Config struct {
	// Store persists session metadata. Required.
	Store storage.KV
	// Adapter supplies the concurrency primitives. Required.
	Adapter concurrency.Adapter
	// Logger receives sweep and persistence diagnostics. Defaults to discard.
	Logger *slog.Logger
	// TTL bounds how long an idle session survives. Defaults to 30 minutes.
	TTL time.Duration
	// SweepInterval controls how often expired local state is dropped.
	// Defaults to TTL/4.
	SweepInterval time.Duration
}

// Registry mints, validates and expires sessions.
type Registry struct {
	store         storage.KV
	adapter       concurrency.Adapter
	log           *slog.Logger
	ttl           time.Duration
	sweepInterval time.Duration

	mu          concurrency.Lock
	connections map[string]int
	lastSeen    map[string]time.Time
	expireFns   []func(id string)

	stop context.CancelFunc
}

// NewRegistry validates cfg and starts the idle sweeper.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sessions: Store is required")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("sessions: Adapter is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = ttl / 4
	}

	r := &Registry{
		store:         cfg.Store,
		adapter:       cfg.Adapter,
		log:           log,
		ttl:           ttl,
		sweepInterval: sweep,
		mu:            cfg.Adapter.NewLock(),
		connections:   make(map[string]int),
		lastSeen:      make(map[string]time.Time),
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	r.stop = cancel
	r.adapter.Go(func() { r.sweepLoop(sweepCtx) })

	return r, nil
}

// Close stops the sweeper. Persisted session metadata is left to expire via
// its storage TTL.
func (r *Registry) Close() error {
	r.stop()
	return nil
}

// OnExpire registers fn to run with the id of every session the idle sweeper
// drops. Transports use it to release per-session state they hold outside the
// registry. Callbacks run outside the registry lock.
func (r *Registry) OnExpire(fn func(id string)) {
	r.mu.Do(func() {
		r.expireFns = append(r.expireFns, fn)
	})
}

// GetOrCreate resolves id to an existing session or mints a fresh one. An
// empty, malformed, or unknown id is treated as absent rather than rejected,
// so stale clients recover by transparently starting a new session.
func (r *Registry) GetOrCreate(ctx context.Context, id string, info ClientInfo) (*Session, error) {
	if ValidID(id) {
		sess, err := r.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:         mintID(),
		Client:     info,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := r.persist(ctx, sess); err != nil {
		return nil, err
	}
	r.mu.Do(func() {
		r.lastSeen[sess.ID] = now
	})
	r.log.DebugContext(ctx, "session created", slog.String("session_id", sess.ID))
	return sess, nil
}

// Load returns the session for id, or nil when it does not exist or has
// expired.
func (r *Registry) Load(ctx context.Context, id string) (*Session, error) {
	if !ValidID(id) {
		return nil, nil
	}
	item, err := r.store.Get(ctx, keyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if item == nil {
		return nil, nil
	}

	var sess Session
	if err := json.Unmarshal(item.Data, &sess); err != nil {
		r.log.WarnContext(ctx, "dropping undecodable session record",
			slog.String("session_id", id), slog.String("err", err.Error()))
		_ = r.store.Delete(ctx, keyPrefix+id)
		return nil, nil
	}

	r.mu.Do(func() {
		sess.Connections = r.connections[id]
	})
	return &sess, nil
}

// Touch refreshes the session's last-seen time and its storage TTL.
func (r *Registry) Touch(ctx context.Context, id string) error {
	sess, err := r.Load(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	now := time.Now().UTC()
	sess.LastSeenAt = now
	r.mu.Do(func() {
		r.lastSeen[id] = now
	})
	return r.persist(ctx, sess)
}

// End removes the session and its local connection state.
func (r *Registry) End(ctx context.Context, id string) error {
	r.mu.Do(func() {
		delete(r.connections, id)
		delete(r.lastSeen, id)
	})
	if err := r.store.Delete(ctx, keyPrefix+id); err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	r.log.DebugContext(ctx, "session ended", slog.String("session_id", id))
	return nil
}

// Connect increments the session's live connection count and returns the new
// count.
func (r *Registry) Connect(id string) int {
	var n int
	r.mu.Do(func() {
		r.connections[id]++
		n = r.connections[id]
	})
	return n
}

// Disconnect decrements the session's live connection count and returns the
// new count.
func (r *Registry) Disconnect(id string) int {
	var n int
	r.mu.Do(func() {
		if r.connections[id] > 0 {
			r.connections[id]--
		}
		n = r.connections[id]
		if n == 0 {
			delete(r.connections, id)
		}
	})
	return n
}

func (r *Registry) persist(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	if err := r.store.Set(ctx, keyPrefix+sess.ID, data, r.ttl); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", sess.ID, err)
	}
	return nil
}

// sweepLoop drops local connection state for sessions idle past the TTL and
// notifies the registered expiry callbacks. The persisted records expire on
// their own via storage TTLs.
func (r *Registry) sweepLoop(ctx context.Context) {
	for {
		if err := r.adapter.Sleep(ctx, r.sweepInterval); err != nil {
			return
		}
		cutoff := time.Now().Add(-r.ttl)
		var expired []string
		var fns []func(string)
		r.mu.Do(func() {
			for id, seen := range r.lastSeen {
				if seen.Before(cutoff) {
					expired = append(expired, id)
					delete(r.lastSeen, id)
					delete(r.connections, id)
				}
			}
			fns = append(([]func(string))(nil), r.expireFns...)
		})
		for _, id := range expired {
			r.log.Debug("session expired", slog.String("session_id", id))
			for _, fn := range fns {
				fn(id)
			}
		}
	}
}

// ValidID reports whether id is a well-formed session id.
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}

func mintID() string {
	buf := make([]byte, IDLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}
