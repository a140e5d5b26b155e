package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeLive struct {
	mu   sync.Mutex
	dead map[string]bool
}

func (f *fakeLive) IsLive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead[id]
}

func (f *fakeLive) kill(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead == nil {
		f.dead = make(map[string]bool)
	}
	f.dead[id] = true
}

func newTestManager(live LivenessChecker) *Manager {
	return NewManager(DefaultConfig(), live, nil)
}

func isMember(m *Manager, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[connID]
	return ok
}

func TestStatus(t *testing.T) {
	m := newTestManager(nil)
	if st := m.Status(); st.Initialized || st.Mode != "" {
		t.Fatalf("expected empty status, got %+v", st)
	}

	if ok, err := m.Create("a", ModeTeam, "pw"); !ok || err != nil {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	st := m.Status()
	if !st.Initialized || st.Mode != ModeTeam {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestCreate(t *testing.T) {
	t.Run("first writer wins", func(t *testing.T) {
		m := newTestManager(nil)
		if ok, _ := m.Create("a", ModeSolo, "one"); !ok {
			t.Fatal("first create should succeed")
		}
		ok, err := m.Create("b", ModeTeam, "two")
		if ok || err != nil {
			t.Fatalf("late create should be a silent no-op, got ok=%v err=%v", ok, err)
		}
		if st := m.Status(); st.Mode != ModeSolo {
			t.Errorf("late create must not change mode, got %s", st.Mode)
		}
		if _, err := m.Login("c", "two"); !errors.Is(err, ErrBadSecret) {
			t.Errorf("late secret must not be stored, got %v", err)
		}
	})

	t.Run("rejects unknown mode", func(t *testing.T) {
		m := newTestManager(nil)
		ok, err := m.Create("a", Mode("party"), "pw")
		if ok || !errors.Is(err, ErrInvalidMode) {
			t.Fatalf("expected ErrInvalidMode, got ok=%v err=%v", ok, err)
		}
		if m.Status().Initialized {
			t.Error("invalid create must not initialize the room")
		}
	})

	t.Run("admits creator", func(t *testing.T) {
		m := newTestManager(nil)
		_, _ = m.Create("a", ModeTeam, "pw")
		if !isMember(m, "a") {
			t.Error("creator should be a member")
		}
	})

	t.Run("concurrent creates", func(t *testing.T) {
		m := newTestManager(nil)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if ok, _ := m.Create(fmt.Sprintf("c%d", i), ModeTeam, "pw"); ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Errorf("expected exactly one successful create, got %d", got)
		}
		if got := m.Members(); got != 1 {
			t.Errorf("expected only the winner admitted, got %d members", got)
		}
	})
}

func TestLogin(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		m := newTestManager(nil)
		if _, err := m.Login("a", "pw"); !errors.Is(err, ErrNoSession) {
			t.Errorf("expected ErrNoSession, got %v", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		m := newTestManager(nil)
		_, _ = m.Create("a", ModeSolo, "pw")
		if _, err := m.Login("b", "nope"); !errors.Is(err, ErrBadSecret) {
			t.Errorf("expected ErrBadSecret, got %v", err)
		}
		if isMember(m, "b") {
			t.Error("rejected login must not admit")
		}
	})

	t.Run("team join right after create", func(t *testing.T) {
		m := newTestManager(&fakeLive{})
		_, _ = m.Create("a", ModeTeam, "pw")
		mode, err := m.Login("b", "pw")
		if err != nil {
			t.Fatalf("login: %v", err)
		}
		if mode != ModeTeam {
			t.Errorf("expected team mode, got %q", mode)
		}
	})

	t.Run("team capacity", func(t *testing.T) {
		live := &fakeLive{}
		m := newTestManager(live)
		_, _ = m.Create("a", ModeTeam, "pw")
		for _, id := range []string{"b", "c"} {
			if _, err := m.Login(id, "pw"); err != nil {
				t.Fatalf("login %s: %v", id, err)
			}
		}
		if _, err := m.Login("d", "pw"); !errors.Is(err, ErrRoomFull) {
			t.Fatalf("expected ErrRoomFull for fourth member, got %v", err)
		}
		if _, err := m.Login("d", "wrong"); !errors.Is(err, ErrRoomFull) {
			t.Errorf("capacity is checked before the secret, got %v", err)
		}

		live.kill("b")
		if _, err := m.Login("d", "pw"); err != nil {
			t.Fatalf("expected dead member to be pruned, got %v", err)
		}
		if got := m.Members(); got != 3 {
			t.Errorf("expected 3 members, got %d", got)
		}
	})

	t.Run("full room rejects existing members too", func(t *testing.T) {
		m := newTestManager(&fakeLive{})
		_, _ = m.Create("a", ModeTeam, "pw")
		_, _ = m.Login("b", "pw")
		if _, err := m.Login("b", "pw"); err != nil {
			t.Fatalf("re-login below capacity: %v", err)
		}
		if got := m.Members(); got != 2 {
			t.Errorf("re-admit must not grow membership, got %d", got)
		}

		_, _ = m.Login("c", "pw")
		if _, err := m.Login("b", "pw"); !errors.Is(err, ErrRoomFull) {
			t.Fatalf("expected ErrRoomFull at capacity, got %v", err)
		}
		if got := m.Members(); got != 3 || !isMember(m, "b") {
			t.Errorf("rejection must not evict the member, got %d members", got)
		}
	})

	t.Run("solo has no capacity bound", func(t *testing.T) {
		m := newTestManager(&fakeLive{})
		_, _ = m.Create("a", ModeSolo, "pw")
		for i := 0; i < 10; i++ {
			if _, err := m.Login(fmt.Sprintf("x%d", i), "pw"); err != nil {
				t.Fatalf("login %d: %v", i, err)
			}
		}
	})

	t.Run("never more than capacity under contention", func(t *testing.T) {
		m := newTestManager(&fakeLive{})
		_, _ = m.Create("a", ModeTeam, "pw")
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _ = m.Login(fmt.Sprintf("x%d", i), "pw")
			}(i)
		}
		wg.Wait()
		if got := m.Members(); got != DefaultTeamCapacity {
			t.Errorf("expected %d members, got %d", DefaultTeamCapacity, got)
		}
	})
}

func TestHashingOutsideLock(t *testing.T) {
	t.Run("create skips hashing when a room exists", func(t *testing.T) {
		m := newTestManager(nil)
		var calls atomic.Int32
		m.hash = func(secret string, salt []byte) []byte {
			calls.Add(1)
			return hashSecret(secret, salt)
		}
		_, _ = m.Create("a", ModeSolo, "pw")
		if ok, _ := m.Create("b", ModeSolo, "pw"); ok {
			t.Fatal("second create should be a no-op")
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("expected a single hash, got %d", got)
		}
	})

	t.Run("login hashes without the lock", func(t *testing.T) {
		m := newTestManager(&fakeLive{})
		_, _ = m.Create("a", ModeTeam, "pw")

		entered := make(chan struct{})
		release := make(chan struct{})
		m.hash = func(secret string, salt []byte) []byte {
			close(entered)
			<-release
			return hashSecret(secret, salt)
		}

		done := make(chan error, 1)
		go func() {
			_, err := m.Login("b", "pw")
			done <- err
		}()
		<-entered

		if !m.mu.TryLock() {
			t.Fatal("manager lock held while hashing")
		}
		m.mu.Unlock()

		// The room goes away before the hash completes.
		m.Reset()
		close(release)
		if err := <-done; !errors.Is(err, ErrNoSession) {
			t.Errorf("expected ErrNoSession after a concurrent reset, got %v", err)
		}
		if m.Members() != 0 {
			t.Error("login against a cleared room must not admit")
		}
	})
}

func TestRelease(t *testing.T) {
	m := newTestManager(&fakeLive{})
	_, _ = m.Create("a", ModeTeam, "pw")
	_, _ = m.Login("b", "pw")
	_, _ = m.Login("c", "pw")

	m.Release("b")
	m.Release("never-joined")
	if isMember(m, "b") {
		t.Error("released connection still a member")
	}
	if _, err := m.Login("d", "pw"); err != nil {
		t.Errorf("released slot should be reusable, got %v", err)
	}
}

func TestReset(t *testing.T) {
	m := newTestManager(nil)
	if m.Reset() {
		t.Error("reset of empty room should report no prior session")
	}

	_, _ = m.Create("a", ModeTeam, "pw")
	if !m.Reset() {
		t.Error("reset should report the prior session")
	}
	st := m.Status()
	if st.Initialized || st.Mode != "" || m.Members() != 0 {
		t.Errorf("expected empty room after reset, got %+v with %d members", st, m.Members())
	}
	if _, err := m.Login("a", "pw"); !errors.Is(err, ErrNoSession) {
		t.Errorf("old secret must not survive reset, got %v", err)
	}
	if ok, _ := m.Create("b", ModeSolo, "new"); !ok {
		t.Error("a new room can be created after reset")
	}
}
