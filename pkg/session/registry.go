// Package session holds the process-wide session registry: the single
// source of truth for session existence and attachment bookkeeping.
package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"attachd/pkg/memkv"
	"attachd/pkg/protocol/codec"
)

// ErrInvalidID reports an empty session or connection id.
var ErrInvalidID = errors.New("session: invalid id")

// Info is a point-in-time snapshot of one session.
type Info struct {
	ID          string
	CreatedAt   time.Time
	Attachments int
}

// Options configure a Registry.
type Options struct {
	// RetentionTTL is how long a session with zero attachments is kept
	// before eviction. 0 keeps released sessions forever (the default
	// policy; eviction is an opt-in hook).
	RetentionTTL time.Duration
	// SweepInterval is how often evicted records are reconciled; only
	// meaningful when RetentionTTL > 0. 0 means 1s.
	SweepInterval time.Duration
	// Store is an optional shared memkv instance for the record mirror.
	// When nil the registry owns a private one.
	Store *memkv.Store
}

// record is the CBOR document mirrored into memkv per session.
type record struct {
	SessionID     string `cbor:"session_id"`
	CreatedUnixMs int64  `cbor:"created_unix_ms"`
	Attachments   int    `cbor:"attachments"`
	UpdatedUnixMs int64  `cbor:"updated_unix_ms"`
}

func keySession(id string) string { return "sess:" + id }

// state is the authoritative per-session entry. Its mutex serializes
// attachment mutation for that id only; unrelated ids never contend.
type state struct {
	id        string
	createdAt time.Time

	mu       sync.Mutex
	attached map[string]struct{}
	// evicted marks an entry the retention evictor removed from the
	// registry map. Set under mu before the map delete; Attach must not
	// register on an evicted entry.
	evicted bool
}

// Registry maps session id to session state. Attach auto-creates: any
// syntactically valid id succeeds, and concurrent first attaches for one
// id observe the same session. Safe for concurrent use.
type Registry struct {
	opts     Options
	kv       *memkv.Store
	ownsKV   bool
	recCodec codec.Codec

	mu       sync.RWMutex
	sessions map[string]*state

	closeCh chan struct{}
	closed  sync.Once
	wg      sync.WaitGroup
}

// NewRegistry constructs a registry. It never fails for default options;
// the error covers codec initialization only.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	codecs := codec.NewRegistry()
	c, err := codec.CBOR()
	if err != nil {
		return nil, err
	}
	codecs.Register(c)
	r := &Registry{
		opts:     opts,
		kv:       opts.Store,
		recCodec: codecs.Get(codec.ContentTypeCBOR),
		sessions: make(map[string]*state),
		closeCh:  make(chan struct{}),
	}
	if r.kv == nil {
		r.kv = memkv.New(memkv.Options{SweepInterval: opts.SweepInterval})
		r.ownsKV = true
	}
	if opts.RetentionTTL > 0 {
		r.wg.Add(1)
		go r.reconcile()
	}
	return r, nil
}

// Close stops the retention reconciler and the owned record store.
func (r *Registry) Close() {
	r.closed.Do(func() { close(r.closeCh) })
	r.wg.Wait()
	if r.ownsKV {
		r.kv.Close()
	}
}

// Attach registers connID's interest in sessionID, creating the session
// if it does not exist. Exactly one session is created per id even under
// a concurrent first-attach race. Returns the post-attach snapshot and
// whether this call created the session.
func (r *Registry) Attach(sessionID, connID string) (Info, bool, error) {
	if sessionID == "" || connID == "" {
		return Info{}, false, ErrInvalidID
	}

	for {
		r.mu.RLock()
		st := r.sessions[sessionID]
		r.mu.RUnlock()

		created := false
		if st == nil {
			r.mu.Lock()
			st = r.sessions[sessionID]
			if st == nil {
				st = &state{
					id:        sessionID,
					createdAt: time.Now(),
					attached:  make(map[string]struct{}),
				}
				r.sessions[sessionID] = st
				created = true
			}
			r.mu.Unlock()
		}

		st.mu.Lock()
		if st.evicted {
			// Lost a race with the retention evictor between the map
			// lookup and this lock: the entry is already gone from the
			// registry. Start over so the attachment lands on a live
			// session.
			st.mu.Unlock()
			continue
		}
		st.attached[connID] = struct{}{}
		n := len(st.attached)
		st.mu.Unlock()

		r.mirror(st, n)
		zap.L().Info("session attached",
			zap.String("session", sessionID),
			zap.String("conn", connID),
			zap.Int("attachments", n),
			zap.Bool("created", created))
		return Info{ID: sessionID, CreatedAt: st.createdAt, Attachments: n}, created, nil
	}
}

// Release drops connID's attachment to sessionID. Idempotent: releasing a
// connection that is not attached is a no-op, so the count never goes
// below zero. Reports whether an attachment was actually removed.
func (r *Registry) Release(sessionID, connID string) bool {
	r.mu.RLock()
	st := r.sessions[sessionID]
	r.mu.RUnlock()
	if st == nil {
		return false
	}

	st.mu.Lock()
	if _, ok := st.attached[connID]; !ok {
		st.mu.Unlock()
		return false
	}
	delete(st.attached, connID)
	n := len(st.attached)
	st.mu.Unlock()

	r.mirror(st, n)
	if n == 0 && r.opts.RetentionTTL > 0 {
		r.kv.Expire(keySession(sessionID), r.opts.RetentionTTL)
	}
	zap.L().Info("session released",
		zap.String("session", sessionID),
		zap.String("conn", connID),
		zap.Int("attachments", n))
	return true
}

// Get returns a snapshot of one session.
func (r *Registry) Get(sessionID string) (Info, bool) {
	r.mu.RLock()
	st := r.sessions[sessionID]
	r.mu.RUnlock()
	if st == nil {
		return Info{}, false
	}
	st.mu.Lock()
	n := len(st.attached)
	st.mu.Unlock()
	return Info{ID: st.id, CreatedAt: st.createdAt, Attachments: n}, true
}

// List returns snapshots of all sessions, in no particular order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	states := make([]*state, 0, len(r.sessions))
	for _, st := range r.sessions {
		states = append(states, st)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		n := len(st.attached)
		st.mu.Unlock()
		out = append(out, Info{ID: st.id, CreatedAt: st.createdAt, Attachments: n})
	}
	return out
}

// Len returns the number of known sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// mirror writes the session record into the kv store. A fresh Set clears
// any pending retention TTL, so re-attaching rescues a released session.
func (r *Registry) mirror(st *state, attachments int) {
	now := time.Now().UnixMilli()
	rec := record{
		SessionID:     st.id,
		CreatedUnixMs: st.createdAt.UnixMilli(),
		Attachments:   attachments,
		UpdatedUnixMs: now,
	}
	b, err := r.recCodec.Marshal(rec)
	if err != nil {
		zap.L().Warn("encode session record", zap.String("session", st.id), zap.Error(err))
		return
	}
	r.kv.Set(keySession(st.id), b, 0)
}

// reconcile evicts sessions whose mirror record expired: zero attachments
// for at least RetentionTTL.
func (r *Registry) reconcile() {
	defer r.wg.Done()
	t := time.NewTicker(r.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-r.closeCh:
			return
		case <-t.C:
			r.evictExpired()
		}
	}
}

func (r *Registry) evictExpired() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if _, ok := r.kv.Get(keySession(id)); ok {
			continue
		}
		r.mu.Lock()
		st := r.sessions[id]
		if st != nil {
			st.mu.Lock()
			if len(st.attached) == 0 {
				st.evicted = true
				delete(r.sessions, id)
				zap.L().Info("session evicted", zap.String("session", id))
			} else {
				// raced with a re-attach; restore the mirror
				n := len(st.attached)
				st.mu.Unlock()
				r.mu.Unlock()
				r.mirror(st, n)
				continue
			}
			st.mu.Unlock()
		}
		r.mu.Unlock()
	}
}
