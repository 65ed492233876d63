// Package memkv is a sharded in-memory key/value store with optional
// per-key TTL. It backs the session registry's record mirror and its
// retention policy: released sessions are given a TTL and swept here.
package memkv

import (
	"sync"
	"sync/atomic"
	"time"
)

// Options configure a Store.
type Options struct {
	// Shards is the number of lock shards; 0 means 64.
	Shards int
	// SweepInterval is how often the janitor scans for expired keys;
	// 0 means 1s. Expired keys are also dropped lazily on access.
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	return o
}

// Metrics is a counter snapshot.
type Metrics struct {
	Keys    uint64
	Sets    uint64
	Gets    uint64
	Hits    uint64
	Misses  uint64
	Dels    uint64
	Expired uint64
	Updates uint64
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano; 0 = no expiry
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

// Store is safe for concurrent use. Values are copied on Set and Get so
// callers never share backing arrays with the store.
type Store struct {
	opts    Options
	shards  []shard
	closeCh chan struct{}
	wg      sync.WaitGroup
	nowFn   func() time.Time

	mKeys    atomic.Uint64
	mSets    atomic.Uint64
	mGets    atomic.Uint64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mDels    atomic.Uint64
	mExpired atomic.Uint64
	mUpdates atomic.Uint64
}

func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:    opts,
		shards:  make([]shard, opts.Shards),
		closeCh: make(chan struct{}),
		nowFn:   time.Now,
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*entry)
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

// Close stops the janitor. The store remains readable afterwards.
func (s *Store) Close() {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	// FNV-1a 64
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (s *Store) expired(e *entry) bool {
	return e.expireAt != 0 && s.nowFn().UnixNano() >= e.expireAt
}

// Set stores val under key with an optional TTL (0 = no expiry).
// Reports whether the key was newly created.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	sh := s.shardFor(key)
	e := &entry{val: cloneBytes(val)}
	if ttl > 0 {
		e.expireAt = s.nowFn().Add(ttl).UnixNano()
	}
	sh.mu.Lock()
	old, present := sh.m[key]
	expiredOld := present && s.expired(old)
	sh.m[key] = e
	sh.mu.Unlock()
	s.mSets.Add(1)
	if expiredOld {
		// the stale entry was still counted in Keys; reuse its slot
		s.mExpired.Add(1)
		return true
	}
	if !present {
		s.mKeys.Add(1)
		return true
	}
	return false
}

// Get returns a copy of the value, or ok=false if missing or expired.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()
	s.mGets.Add(1)
	if !ok {
		s.mMisses.Add(1)
		return nil, false
	}
	if s.expired(e) {
		s.dropExpired(sh, key, e)
		s.mMisses.Add(1)
		return nil, false
	}
	s.mHits.Add(1)
	return cloneBytes(e.val), true
}

// Update applies fn to the current value (nil when absent) under the shard
// lock and stores the result. A nil result deletes the key. The existing
// TTL is preserved.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if ok && s.expired(e) {
		delete(sh.m, key)
		s.mKeys.Add(^uint64(0))
		s.mExpired.Add(1)
		ok = false
	}
	var old []byte
	if ok {
		old = e.val
	}
	out := fn(old)
	if out == nil {
		if ok {
			delete(sh.m, key)
			s.mKeys.Add(^uint64(0))
			s.mDels.Add(1)
		}
		return ok
	}
	if ok {
		e.val = cloneBytes(out)
	} else {
		sh.m[key] = &entry{val: cloneBytes(out)}
		s.mKeys.Add(1)
	}
	s.mUpdates.Add(1)
	return true
}

// Expire sets or clears the TTL on an existing key.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok || s.expired(e) {
		return false
	}
	if ttl <= 0 {
		e.expireAt = 0
	} else {
		e.expireAt = s.nowFn().Add(ttl).UnixNano()
	}
	return true
}

// Delete removes a key. Reports whether it was present.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
	if !ok {
		return false
	}
	s.mKeys.Add(^uint64(0))
	if s.expired(e) {
		s.mExpired.Add(1)
		return false
	}
	s.mDels.Add(1)
	return true
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	n := 0
	now := s.nowFn().UnixNano()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, e := range sh.m {
			if e.expireAt == 0 || now < e.expireAt {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot returns a copy of all live key/value pairs.
func (s *Store) Snapshot() map[string][]byte {
	out := make(map[string][]byte)
	now := s.nowFn().UnixNano()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, e := range sh.m {
			if e.expireAt == 0 || now < e.expireAt {
				out[k] = cloneBytes(e.val)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Stats returns a metrics snapshot.
func (s *Store) Stats() Metrics {
	return Metrics{
		Keys:    s.mKeys.Load(),
		Sets:    s.mSets.Load(),
		Gets:    s.mGets.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Dels:    s.mDels.Load(),
		Expired: s.mExpired.Load(),
		Updates: s.mUpdates.Load(),
	}
}

func (s *Store) dropExpired(sh *shard, key string, seen *entry) {
	sh.mu.Lock()
	if e, ok := sh.m[key]; ok && e == seen {
		delete(sh.m, key)
		s.mKeys.Add(^uint64(0))
		s.mExpired.Add(1)
	}
	sh.mu.Unlock()
}

func (s *Store) janitor() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := s.nowFn().UnixNano()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.m {
			if e.expireAt != 0 && now >= e.expireAt {
				delete(sh.m, k)
				s.mKeys.Add(^uint64(0))
				s.mExpired.Add(1)
			}
		}
		sh.mu.Unlock()
	}
}
