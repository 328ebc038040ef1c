package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgruss/smartmic/internal/domain/player"
)

func TestIssue_UniqueIDs(t *testing.T) {
	r := NewRegistry(16, 10*time.Second)

	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		s := r.Issue()
		require.Positive(t, s.ID)
		require.False(t, seen[s.ID], "duplicate id %d", s.ID)
		seen[s.ID] = true
	}
}

func TestGetTouchRemove(t *testing.T) {
	r := NewRegistry(16, 10*time.Second)
	s := r.Issue()

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)

	before := got.LastSeen
	time.Sleep(5 * time.Millisecond)
	r.Touch(s.ID)
	got, _ = r.Get(s.ID)
	assert.True(t, got.LastSeen.After(before))

	r.Remove(s.ID)
	_, ok = r.Get(s.ID)
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry(16, 10*time.Second)
	s := r.Issue()
	r.Update(s.ID, func(p *player.Session) { p.Name = "Ada" })

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	got.Name = "scribbled"

	again, _ := r.Get(s.ID)
	assert.Equal(t, "Ada", again.Name)
}

func TestConcurrentGetAndUpdate(t *testing.T) {
	r := NewRegistry(16, 10*time.Second)
	s := r.Issue()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.Update(s.ID, func(p *player.Session) { p.Name = "Ada" })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if got, ok := r.Get(s.ID); ok {
				_ = got.Name
			}
		}
	}()
	wg.Wait()

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, "Ada", got.Name)
}

func TestStale(t *testing.T) {
	r := NewRegistry(16, 10*time.Second)
	fresh := r.Issue()
	old := r.Issue()

	// backdate the second session past the threshold
	require.True(t, r.Update(old.ID, func(s *player.Session) {
		s.LastSeen = time.Now().Add(-11 * time.Second)
	}))

	stale := r.Stale(time.Now())
	assert.Equal(t, []int{old.ID}, stale)
	assert.NotContains(t, stale, fresh.ID)
}

func TestByName(t *testing.T) {
	r := NewRegistry(16, 10*time.Second)
	a := r.Issue()
	b := r.Issue()

	r.Update(a.ID, func(s *player.Session) { s.Name = "Ada" })
	r.Update(b.ID, func(s *player.Session) { s.Name = "Bob" })

	assert.Equal(t, []int{a.ID}, r.ByName("Ada"))
	assert.Empty(t, r.ByName("Carol"))
}

func TestNormalizeName(t *testing.T) {
	r := NewRegistry(16, 10*time.Second)

	tests := []struct {
		name string
		in   string
		id   int
		want string
	}{
		{"Empty falls back", "", 42, "user-42"},
		{"Short preserved", "Ada", 1, "Ada"},
		{"Exact limit preserved", "abcdefghijklmnop", 1, "abcdefghijklmnop"},
		{"Long truncated", "abcdefghijklmnopqrstuvwxyz", 1, "abcdefghijklmnop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.NormalizeName(tt.in, tt.id))
		})
	}
}
