package live

import (
	"errors"
	"sync"
	"testing"
)

func TestRegistryBindsVideoToSingleSession(t *testing.T) {
	reg := newRegistry()
	if err := reg.reserve("sess-1", "video-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := reg.reserve("sess-2", "video-1"); !errors.Is(err, ErrVideoHasSession) {
		t.Fatalf("expected ErrVideoHasSession, got %v", err)
	}
	if err := reg.reserve("sess-1", "video-2"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if !reg.hasVideo("video-1") {
		t.Fatalf("video-1 should be bound")
	}
	if reg.len() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.len())
	}
}

func TestRegistryReservationResolvesAfterBind(t *testing.T) {
	reg := newRegistry()
	if err := reg.reserve("sess-1", "video-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// The reservation blocks duplicates but does not yet resolve to a
	// running session.
	if _, ok := reg.session("sess-1"); ok {
		t.Fatalf("unbound reservation must not resolve to a session")
	}
	if _, _, ok := reg.sessionOfVideo("video-1"); ok {
		t.Fatalf("unbound reservation must not resolve by video")
	}

	muxing := &MuxingSession{}
	reg.bind("sess-1", muxing)
	if got, ok := reg.session("sess-1"); !ok || got != muxing {
		t.Fatalf("bound session must resolve")
	}

	// Binding a released reservation must not resurrect it.
	reg.unregister("sess-1", "video-1")
	reg.bind("sess-1", muxing)
	if reg.len() != 0 || reg.hasVideo("video-1") {
		t.Fatalf("bind after release must be a no-op")
	}
}

func TestRegistryUnregisterGuardsSessionID(t *testing.T) {
	reg := newRegistry()
	if err := reg.reserve("sess-1", "video-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// A later session of the same video must not be evicted by the cleanup
	// of an earlier one.
	reg.unregister("sess-other", "video-1")
	if !reg.hasVideo("video-1") {
		t.Fatalf("unregister with mismatched session must be a no-op")
	}
	reg.unregister("sess-1", "video-1")
	if reg.hasVideo("video-1") || reg.len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestRegistrySessionLookups(t *testing.T) {
	reg := newRegistry()
	muxing := &MuxingSession{}
	if err := reg.reserve("sess-1", "video-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	reg.bind("sess-1", muxing)
	got, ok := reg.session("sess-1")
	if !ok || got != muxing {
		t.Fatalf("session lookup failed")
	}
	sessionID, got, ok := reg.sessionOfVideo("video-1")
	if !ok || sessionID != "sess-1" || got != muxing {
		t.Fatalf("sessionOfVideo lookup failed")
	}
	if _, ok := reg.session("missing"); ok {
		t.Fatalf("missing session must not resolve")
	}
}

func TestRegistryConcurrentReserve(t *testing.T) {
	reg := newRegistry()
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := reg.reserve(string(rune('a'+n)), "video-1"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if succeeded != 1 {
		t.Fatalf("exactly one reserve may win, got %d", succeeded)
	}
}
