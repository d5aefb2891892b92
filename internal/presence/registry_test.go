package presence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/safecircle/internal/presence"
)

type stubHandle struct{ name string }

func (h *stubHandle) Send(context.Context, presence.Event) error { return nil }

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

func TestLookupAbsentUser(t *testing.T) {
	reg := presence.NewRegistry(nil)
	_, ok := reg.Lookup(uuid.New())
	require.False(t, ok)
}

func TestLatestConnectionWins(t *testing.T) {
	reg := presence.NewRegistry(stubClock{t: time.Unix(100, 0).UTC()})
	user := uuid.New()
	h1 := &stubHandle{name: "first"}
	h2 := &stubHandle{name: "second"}

	reg.SetPresent(user, h1)
	got, ok := reg.Lookup(user)
	require.True(t, ok)
	require.Same(t, h1, got)

	reg.SetPresent(user, h2)
	got, ok = reg.Lookup(user)
	require.True(t, ok)
	require.Same(t, h2, got)

	entry, ok := reg.Entry(user)
	require.True(t, ok)
	require.Equal(t, time.Unix(100, 0).UTC(), entry.JoinedAt)
	require.Equal(t, 1, reg.Count())
}

func TestClearIsIdempotent(t *testing.T) {
	reg := presence.NewRegistry(nil)
	user := uuid.New()
	reg.Clear(user)
	reg.SetPresent(user, &stubHandle{})
	reg.Clear(user)
	reg.Clear(user)
	_, ok := reg.Lookup(user)
	require.False(t, ok)
}

func TestReleaseIgnoresStaleHandle(t *testing.T) {
	reg := presence.NewRegistry(nil)
	user := uuid.New()
	stale := &stubHandle{name: "stale"}
	current := &stubHandle{name: "current"}
	reg.SetPresent(user, stale)
	reg.SetPresent(user, current)

	require.False(t, reg.Release(user, stale))
	got, ok := reg.Lookup(user)
	require.True(t, ok)
	require.Same(t, current, got)

	require.True(t, reg.Release(user, current))
	_, ok = reg.Lookup(user)
	require.False(t, ok)
}

type sliceHandle []presence.Event

func (sliceHandle) Send(context.Context, presence.Event) error { return nil }

func TestReleaseWithNonComparableHandle(t *testing.T) {
	reg := presence.NewRegistry(nil)
	user := uuid.New()
	h := sliceHandle{}
	reg.SetPresent(user, h)

	require.NotPanics(t, func() { require.False(t, reg.Release(user, h)) })
	require.False(t, reg.Release(user, &stubHandle{}))
	_, ok := reg.Lookup(user)
	require.True(t, ok)

	reg.Clear(user)
	_, ok = reg.Lookup(user)
	require.False(t, ok)
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	reg := presence.NewRegistry(nil)
	users := make([]uuid.UUID, 50)
	for i := range users {
		users[i] = uuid.New()
	}
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u uuid.UUID) {
			defer wg.Done()
			h := &stubHandle{}
			reg.SetPresent(u, h)
			_, _ = reg.Lookup(u)
			reg.Release(u, h)
		}(u)
	}
	wg.Wait()
	require.Equal(t, 0, reg.Count())
}
