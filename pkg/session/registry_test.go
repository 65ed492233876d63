package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := NewRegistry(opts)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestAttachAutoCreates(t *testing.T) {
	r := newTestRegistry(t, Options{})

	info, created, err := r.Attach("s1", "c1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !created {
		t.Fatalf("expected first attach to create the session")
	}
	if info.ID != "s1" || info.Attachments != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.CreatedAt.IsZero() {
		t.Fatalf("expected creation timestamp")
	}

	info2, created2, err := r.Attach("s1", "c2")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if created2 {
		t.Fatalf("second attach must not create")
	}
	if info2.Attachments != 2 {
		t.Fatalf("expected 2 attachments, got %d", info2.Attachments)
	}
	if !info2.CreatedAt.Equal(info.CreatedAt) {
		t.Fatalf("both attaches must observe the same session")
	}
}

func TestAttachInvalidIDs(t *testing.T) {
	r := newTestRegistry(t, Options{})
	if _, _, err := r.Attach("", "c1"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, _, err := r.Attach("s1", ""); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestConcurrentFirstAttachCreatesOnce(t *testing.T) {
	r := newTestRegistry(t, Options{})

	const n = 64
	var wg sync.WaitGroup
	createdCh := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := r.Attach("shared", fmt.Sprintf("conn-%d", i))
			if err != nil {
				t.Errorf("attach: %v", err)
				return
			}
			createdCh <- created
		}(i)
	}
	wg.Wait()
	close(createdCh)

	total := 0
	for created := range createdCh {
		if created {
			total++
		}
	}
	if total != 1 {
		t.Fatalf("expected exactly one creation, got %d", total)
	}
	info, ok := r.Get("shared")
	if !ok || info.Attachments != n {
		t.Fatalf("expected %d attachments, got %+v ok=%v", n, info, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("expected a single session, got %d", r.Len())
	}
}

func TestReleaseIsIdempotentPerConnection(t *testing.T) {
	r := newTestRegistry(t, Options{})

	r.Attach("s1", "c1")
	r.Attach("s1", "c2")

	if !r.Release("s1", "c1") {
		t.Fatalf("first release should remove the attachment")
	}
	if r.Release("s1", "c1") {
		t.Fatalf("second release of the same connection must be a no-op")
	}
	info, _ := r.Get("s1")
	if info.Attachments != 1 {
		t.Fatalf("expected 1 attachment, got %d", info.Attachments)
	}

	if r.Release("nope", "c1") {
		t.Fatalf("release of unknown session must be a no-op")
	}
}

func TestReleasedSessionIsNotEagerlyDestroyed(t *testing.T) {
	r := newTestRegistry(t, Options{})

	r.Attach("s1", "c1")
	r.Release("s1", "c1")

	info, ok := r.Get("s1")
	if !ok {
		t.Fatalf("session must survive release with default retention")
	}
	if info.Attachments != 0 {
		t.Fatalf("expected 0 attachments, got %d", info.Attachments)
	}
}

func TestRetentionEvictsReleasedSessions(t *testing.T) {
	r := newTestRegistry(t, Options{
		RetentionTTL:  30 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	r.Attach("gone", "c1")
	r.Release("gone", "c1")
	r.Attach("kept", "c2")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := r.Get("gone"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("released session was not evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := r.Get("kept"); !ok {
		t.Fatalf("attached session must not be evicted")
	}
}

func TestReattachRescuesReleasedSession(t *testing.T) {
	r := newTestRegistry(t, Options{
		RetentionTTL:  50 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	first, _, _ := r.Attach("s1", "c1")
	r.Release("s1", "c1")
	// re-attach before the TTL fires
	second, created, err := r.Attach("s1", "c2")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if created {
		t.Fatalf("re-attach must find the existing session")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("re-attach must observe the original session")
	}
	time.Sleep(150 * time.Millisecond)
	if _, ok := r.Get("s1"); !ok {
		t.Fatalf("attached session must not be evicted after rescue")
	}
}

func TestAttachSurvivesEvictionRace(t *testing.T) {
	r := newTestRegistry(t, Options{RetentionTTL: time.Hour, SweepInterval: time.Hour})

	r.Attach("s1", "c1")
	r.Release("s1", "c1")

	r.mu.RLock()
	st := r.sessions["s1"]
	r.mu.RUnlock()

	// Hold the entry lock so a concurrent Attach passes its map lookup and
	// blocks, then evict underneath it the way the reconciler would.
	st.mu.Lock()
	done := make(chan Info, 1)
	go func() {
		info, _, _ := r.Attach("s1", "c2")
		done <- info
	}()
	time.Sleep(50 * time.Millisecond)
	st.evicted = true
	r.mu.Lock()
	delete(r.sessions, "s1")
	r.mu.Unlock()
	r.kv.Delete(keySession("s1"))
	st.mu.Unlock()

	info := <-done
	if info.Attachments != 1 {
		t.Fatalf("attach must land on a live session: %+v", info)
	}
	got, ok := r.Get("s1")
	if !ok || got.Attachments != 1 {
		t.Fatalf("registry lost the attachment: %+v ok=%v", got, ok)
	}
}

func TestConcurrentAttachWithRetentionChurn(t *testing.T) {
	r := newTestRegistry(t, Options{
		RetentionTTL:  time.Microsecond,
		SweepInterval: time.Millisecond,
	})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", g)
			for i := 0; i < 500; i++ {
				if _, _, err := r.Attach("hot", conn); err != nil {
					t.Errorf("attach: %v", err)
					return
				}
				// Our own attachment is held, so the session must be
				// visible and the evictor must leave it alone.
				if info, ok := r.Get("hot"); !ok || info.Attachments == 0 {
					t.Errorf("attached session missing: %+v ok=%v", info, ok)
					return
				}
				r.Release("hot", conn)
			}
		}(g)
	}
	wg.Wait()
}

func TestListSnapshots(t *testing.T) {
	r := newTestRegistry(t, Options{})
	r.Attach("a", "c1")
	r.Attach("b", "c1")
	r.Attach("b", "c2")

	infos := r.List()
	if len(infos) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(infos))
	}
	byID := make(map[string]Info)
	for _, in := range infos {
		byID[in.ID] = in
	}
	if byID["a"].Attachments != 1 || byID["b"].Attachments != 2 {
		t.Fatalf("unexpected snapshots: %+v", byID)
	}
}
