package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-pshost/engine"
	"github.com/smnsjas/go-pshost/host"
	"github.com/smnsjas/go-pshost/runspace"
)

func echoFactory(created *atomic.Int32) Factory {
	return func() (*runspace.Runspace, error) {
		rs := runspace.New(engine.NewEchoFactory(), host.NewNullHost())
		if err := rs.Open(); err != nil {
			return nil, err
		}
		if created != nil {
			created.Add(1)
		}
		return rs, nil
	}
}

func openedPool(t *testing.T, min, max int) (*Pool, *atomic.Int32) {
	t.Helper()
	var created atomic.Int32
	p, err := New(echoFactory(&created), min, max)
	require.NoError(t, err)
	require.NoError(t, p.Open())
	t.Cleanup(func() { _ = p.Close() })
	return p, &created
}

func awaitRequest(t *testing.T, req *Request) *runspace.Runspace {
	t.Helper()
	select {
	case <-req.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lease request never completed")
	}
	rs, err := req.Runspace()
	require.NoError(t, err)
	require.NotNil(t, rs)
	return rs
}

func TestNewValidatesBounds(t *testing.T) {
	for _, tc := range []struct{ min, max int }{{0, 1}, {1, 0}, {3, 2}, {-1, -1}} {
		_, err := New(echoFactory(nil), tc.min, tc.max)
		assert.ErrorIs(t, err, ErrBadBounds, "min=%d max=%d", tc.min, tc.max)
	}
}

func TestOpenCloseLifecycle(t *testing.T) {
	p, err := New(echoFactory(nil), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, StateBeforeOpen, p.State())

	_, err = p.BeginGetRunspace()
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, p.Open())
	assert.Equal(t, StateOpened, p.State())
	err = p.Open()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, p.Close())
	assert.Equal(t, StateClosed, p.State())
	require.NoError(t, p.Close()) // idempotent

	_, err = p.BeginGetRunspace()
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestGetRunspaceLeasesAndReuses(t *testing.T) {
	p, created := openedPool(t, 1, 2)
	ctx := context.Background()

	rs, err := p.GetRunspace(ctx)
	require.NoError(t, err)
	require.Equal(t, runspace.StateOpened, rs.State())
	assert.Equal(t, int32(1), created.Load())

	p.ReleaseRunspace(rs)

	// A released runspace is reused, not recreated.
	again, err := p.GetRunspace(ctx)
	require.NoError(t, err)
	assert.Same(t, rs, again)
	assert.Equal(t, int32(1), created.Load())
	p.ReleaseRunspace(again)
}

func TestRequestsServedFIFO(t *testing.T) {
	p, _ := openedPool(t, 1, 1)
	ctx := context.Background()

	held, err := p.GetRunspace(ctx)
	require.NoError(t, err)

	r1, err := p.BeginGetRunspace()
	require.NoError(t, err)
	r2, err := p.BeginGetRunspace()
	require.NoError(t, err)
	r3, err := p.BeginGetRunspace()
	require.NoError(t, err)

	// Nothing completes while the only runspace is checked out.
	select {
	case <-r1.Done():
		t.Fatal("request completed at capacity")
	case <-time.After(20 * time.Millisecond):
	}
	_, err = r1.Runspace()
	assert.ErrorIs(t, err, ErrRequestPending)

	p.ReleaseRunspace(held)
	got1 := awaitRequest(t, r1)
	assert.Same(t, held, got1)

	select {
	case <-r2.Done():
		t.Fatal("second request completed before the first release")
	case <-time.After(20 * time.Millisecond):
	}

	p.ReleaseRunspace(got1)
	got2 := awaitRequest(t, r2)
	p.ReleaseRunspace(got2)
	got3 := awaitRequest(t, r3)
	p.ReleaseRunspace(got3)
}

func TestCancelledRequestIsSkipped(t *testing.T) {
	p, _ := openedPool(t, 1, 1)
	ctx := context.Background()

	held, err := p.GetRunspace(ctx)
	require.NoError(t, err)

	r1, err := p.BeginGetRunspace()
	require.NoError(t, err)
	r2, err := p.BeginGetRunspace()
	require.NoError(t, err)

	require.True(t, r1.Cancel())
	assert.False(t, r1.IsActive())

	p.ReleaseRunspace(held)

	// The cancelled request is skipped; the runspace goes to the next one.
	got := awaitRequest(t, r2)
	p.ReleaseRunspace(got)

	select {
	case <-r1.Done():
		t.Fatal("cancelled request completed")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestGetRunspaceHonorsContext(t *testing.T) {
	p, _ := openedPool(t, 1, 1)

	held, err := p.GetRunspace(context.Background())
	require.NoError(t, err)
	defer p.ReleaseRunspace(held)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.GetRunspace(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolGrowsToMax(t *testing.T) {
	p, created := openedPool(t, 1, 2)
	ctx := context.Background()

	a, err := p.GetRunspace(ctx)
	require.NoError(t, err)
	b, err := p.GetRunspace(ctx)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, int32(2), created.Load())
	assert.Equal(t, 0, p.GetAvailableRunspaces())

	// The third request blocks until a release.
	r3, err := p.BeginGetRunspace()
	require.NoError(t, err)
	select {
	case <-r3.Done():
		t.Fatal("third lease completed beyond max")
	case <-time.After(20 * time.Millisecond):
	}

	p.ReleaseRunspace(a)
	got := awaitRequest(t, r3)
	assert.Same(t, a, got)
	p.ReleaseRunspace(got)
	p.ReleaseRunspace(b)
	assert.Equal(t, 2, p.GetAvailableRunspaces())
}

func TestShrinkDestroysExcessOnRelease(t *testing.T) {
	p, _ := openedPool(t, 1, 2)
	ctx := context.Background()

	a, err := p.GetRunspace(ctx)
	require.NoError(t, err)
	b, err := p.GetRunspace(ctx)
	require.NoError(t, err)

	// Shrink while both are checked out: nothing idle to destroy yet.
	require.NoError(t, p.SetMaxRunspaces(1))
	assert.Equal(t, 1, p.GetMaxRunspaces())

	// The first release finds the pool over its maximum and is destroyed.
	p.ReleaseRunspace(a)
	assert.Equal(t, runspace.StateClosed, a.State())

	p.ReleaseRunspace(b)
	assert.Equal(t, runspace.StateOpened, b.State())
}

func TestShrinkDestroysIdleSynchronously(t *testing.T) {
	p, _ := openedPool(t, 1, 2)
	ctx := context.Background()

	a, err := p.GetRunspace(ctx)
	require.NoError(t, err)
	b, err := p.GetRunspace(ctx)
	require.NoError(t, err)
	p.ReleaseRunspace(a)
	p.ReleaseRunspace(b)

	require.NoError(t, p.SetMaxRunspaces(1))
	// The oldest idle runspace is destroyed immediately.
	assert.Equal(t, runspace.StateClosed, a.State())
	assert.Equal(t, runspace.StateOpened, b.State())
}

func TestGrowingMaxServicesParkedRequests(t *testing.T) {
	p, _ := openedPool(t, 1, 1)
	ctx := context.Background()

	held, err := p.GetRunspace(ctx)
	require.NoError(t, err)
	defer p.ReleaseRunspace(held)

	req, err := p.BeginGetRunspace()
	require.NoError(t, err)
	select {
	case <-req.Done():
		t.Fatal("request completed at capacity")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, p.SetMaxRunspaces(2))
	got := awaitRequest(t, req)
	p.ReleaseRunspace(got)
}

func TestSetBoundsValidation(t *testing.T) {
	p, _ := openedPool(t, 2, 3)
	assert.ErrorIs(t, p.SetMinRunspaces(0), ErrBadBounds)
	assert.ErrorIs(t, p.SetMinRunspaces(4), ErrBadBounds)
	assert.ErrorIs(t, p.SetMaxRunspaces(1), ErrBadBounds)
	require.NoError(t, p.SetMinRunspaces(1))
	require.NoError(t, p.SetMaxRunspaces(5))
	assert.Equal(t, 1, p.GetMinRunspaces())
	assert.Equal(t, 5, p.GetMaxRunspaces())
}

func TestCloseFailsPendingRequests(t *testing.T) {
	p, _ := openedPool(t, 1, 1)
	ctx := context.Background()

	held, err := p.GetRunspace(ctx)
	require.NoError(t, err)

	req, err := p.BeginGetRunspace()
	require.NoError(t, err)

	require.NoError(t, p.Close())

	select {
	case <-req.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed by Close")
	}
	_, err = req.Runspace()
	assert.ErrorIs(t, err, ErrClosed)

	// Every runspace the pool created is disposed, leased ones included.
	assert.Equal(t, runspace.StateClosed, held.State())
}

func TestFactoryErrorFailsRequest(t *testing.T) {
	boom := errors.New("factory down")
	calls := 0
	p, err := New(func() (*runspace.Runspace, error) {
		calls++
		return nil, boom
	}, 1, 2)
	require.NoError(t, err)
	require.NoError(t, p.Open())
	defer p.Close()

	req, err := p.BeginGetRunspace()
	require.NoError(t, err)
	select {
	case <-req.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
	_, err = req.Runspace()
	assert.ErrorIs(t, err, boom)

	// The reserved creation slot was returned on failure.
	assert.Equal(t, 2, p.GetAvailableRunspaces())
	assert.Equal(t, 1, calls)
}

func TestIdleCleanupShrinksToMin(t *testing.T) {
	p, _ := openedPool(t, 1, 2)
	p.SetIdleTimeout(30 * time.Millisecond)
	ctx := context.Background()

	a, err := p.GetRunspace(ctx)
	require.NoError(t, err)
	b, err := p.GetRunspace(ctx)
	require.NoError(t, err)
	p.ReleaseRunspace(a)
	p.ReleaseRunspace(b)

	assert.Eventually(t, func() bool {
		return p.GetAvailableRunspaces() == 2 && a.State() == runspace.StateClosed
	}, 2*time.Second, 10*time.Millisecond, "idle runspace beyond min never cleaned up")
	// The survivor stays open.
	assert.Equal(t, runspace.StateOpened, b.State())
}

func TestLocalPoolRejectsRemoting(t *testing.T) {
	p, _ := openedPool(t, 1, 1)
	assert.ErrorIs(t, p.Disconnect(context.Background()), ErrNotSupported)
	assert.ErrorIs(t, p.Connect(context.Background()), ErrNotSupported)
}

func TestStateStrings(t *testing.T) {
	tests := map[State]string{
		StateBeforeOpen:    "BeforeOpen",
		StateOpening:       "Opening",
		StateOpened:        "Opened",
		StateClosing:       "Closing",
		StateClosed:        "Closed",
		StateBroken:        "Broken",
		StateDisconnecting: "Disconnecting",
		StateDisconnected:  "Disconnected",
		StateConnecting:    "Connecting",
		State(42):          "Unknown(42)",
	}
	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}
