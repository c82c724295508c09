package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telesalud/realtime-assistant/internal/framework"
	"github.com/telesalud/realtime-assistant/internal/shared/config"
	apperrors "github.com/telesalud/realtime-assistant/internal/shared/errors"
)

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	r := NewRegistry(config.SessionConfig{
		IdleTimeout:   time.Hour,
		SweepInterval: 10 * time.Minute,
		ContextWindow: 10,
	}, nil)
	r.now = clock.Now
	return r, clock
}

func TestRegistry_CreateThenGet(t *testing.T) {
	r, _ := newTestRegistry(t)

	created, err := r.Create("c1", framework.TypeAutism)
	require.NoError(t, err)

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Same(t, created, got)
	assert.Empty(t, got.RecentContext(0))
	assert.LessOrEqual(t, len(got.Progress().NextFocusAreas), 3)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_DuplicateActiveRejected(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, err := r.Create("c1", framework.TypeGeneral)
	require.NoError(t, err)

	_, err = r.Create("c1", framework.TypeGeneral)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateSession)
	assert.Equal(t, apperrors.CodeDuplicateSession, apperrors.CodeOf(err))

	got, _ := r.Get("c1")
	assert.Same(t, first, got)
}

func TestRegistry_StaleSessionReplaced(t *testing.T) {
	r, clock := newTestRegistry(t)

	old, err := r.Create("c1", framework.TypeGeneral)
	require.NoError(t, err)

	clock.Advance(61 * time.Minute)
	replacement, err := r.Create("c1", framework.TypeADHD)
	require.NoError(t, err)

	assert.NotSame(t, old, replacement)
	assert.True(t, old.Closed())
	assert.Equal(t, framework.TypeADHD, replacement.Type())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Remove(t *testing.T) {
	r, _ := newTestRegistry(t)
	created, err := r.Create("c1", framework.TypeGeneral)
	require.NoError(t, err)

	removed, ok := r.Remove("c1")
	require.True(t, ok)
	assert.Same(t, created, removed)
	assert.True(t, removed.Closed())

	_, ok = r.Remove("c1")
	assert.False(t, ok)

	// the id is free again
	_, err = r.Create("c1", framework.TypeGeneral)
	assert.NoError(t, err)
}

func TestRegistry_Sweep(t *testing.T) {
	r, clock := newTestRegistry(t)

	stale, err := r.Create("stale", framework.TypeGeneral)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = r.Create("fresh", framework.TypeGeneral)
	require.NoError(t, err)

	var hooked []string
	r.OnEvict(func(s *State) { hooked = append(hooked, s.ID()) })

	// stale is 61 minutes idle, fresh is 59
	clock.Advance(59 * time.Minute)
	evicted := r.Sweep(time.Hour)

	assert.Equal(t, []string{"stale"}, evicted)
	assert.Equal(t, []string{"stale"}, hooked)
	assert.True(t, stale.Closed())

	_, ok := r.Get("stale")
	assert.False(t, ok)
	_, ok = r.Get("fresh")
	assert.True(t, ok)
}

func TestRegistry_SweepKeepsActiveSessions(t *testing.T) {
	r, clock := newTestRegistry(t)
	s, err := r.Create("c1", framework.TypeGeneral)
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	s.AddPatientStatement("still talking", 0.9)
	clock.Advance(50 * time.Minute)

	assert.Empty(t, r.Sweep(time.Hour))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_List(t *testing.T) {
	r, clock := newTestRegistry(t)
	_, err := r.Create("b", framework.TypeGeneral)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = r.Create("a", framework.TypeAutism)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ConsultationID)
	assert.Equal(t, "a", list[1].ConsultationID)
}

func TestRegistry_RunStopsWithContext(t *testing.T) {
	r := NewRegistry(config.SessionConfig{IdleTimeout: time.Hour, SweepInterval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
