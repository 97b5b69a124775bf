package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewRegistry("test", log)
}

// requestAsync runs Request in a goroutine and hands back the captured id
// once the notifier has fired.
func requestAsync(t *testing.T, r *Registry, req Request) (id string, decisions <-chan Decision, errs <-chan error) {
	t.Helper()

	idCh := make(chan string, 1)
	decCh := make(chan Decision, 1)
	errCh := make(chan error, 1)

	go func() {
		dec, err := r.Request(context.Background(), req, func(ctx context.Context, p *Pending) error {
			idCh <- p.ID
			return nil
		})
		decCh <- dec
		errCh <- err
	}()

	select {
	case id = <-idCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for approval registration")
	}
	return id, decCh, errCh
}

func TestRegistry_ApproveRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	id, decCh, errCh := requestAsync(t, r, Request{SessionID: "sess-1", ToolName: "bash"})
	assert.Len(t, id, 8)
	assert.Equal(t, 1, r.Len())

	p, ok := r.Resolve(id, true, "alice")
	require.True(t, ok)
	assert.Equal(t, "sess-1", p.Request.SessionID)

	dec := <-decCh
	require.NoError(t, <-errCh)
	assert.True(t, dec.Approved)
	assert.Equal(t, "alice", dec.ResolvedBy)
	assert.False(t, dec.Cancelled)

	// The entry is gone once the requester returns.
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_DenyRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	id, decCh, errCh := requestAsync(t, r, Request{SessionID: "sess-1"})

	_, ok := r.Resolve(id, false, "bob")
	require.True(t, ok)

	dec := <-decCh
	require.NoError(t, <-errCh)
	assert.False(t, dec.Approved)
	assert.Equal(t, "bob", dec.ResolvedBy)
}

func TestRegistry_ResolveUnknownID(t *testing.T) {
	r := newTestRegistry(t)

	p, ok := r.Resolve("nope1234", true, "alice")
	assert.False(t, ok)
	assert.Nil(t, p)
}

func TestRegistry_DoubleResolve(t *testing.T) {
	r := newTestRegistry(t)

	id, decCh, errCh := requestAsync(t, r, Request{SessionID: "sess-1"})

	_, ok := r.Resolve(id, true, "alice")
	require.True(t, ok)

	// Second resolve is benign and reports failure.
	p, ok := r.Resolve(id, false, "bob")
	assert.False(t, ok)
	assert.Nil(t, p)

	dec := <-decCh
	require.NoError(t, <-errCh)
	assert.True(t, dec.Approved)
	assert.Equal(t, "alice", dec.ResolvedBy)
}

func TestRegistry_Cancel(t *testing.T) {
	r := newTestRegistry(t)

	id, decCh, errCh := requestAsync(t, r, Request{SessionID: "sess-1"})

	assert.True(t, r.Cancel(id))
	assert.False(t, r.Cancel(id))

	dec := <-decCh
	require.NoError(t, <-errCh)
	assert.True(t, dec.Cancelled)
	assert.False(t, dec.Approved)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CancelForSession(t *testing.T) {
	r := newTestRegistry(t)

	_, dec1, err1 := requestAsync(t, r, Request{SessionID: "sess-1"})
	_, dec2, err2 := requestAsync(t, r, Request{SessionID: "sess-1"})
	survivor, dec3, err3 := requestAsync(t, r, Request{SessionID: "sess-2"})

	require.Equal(t, 3, r.Len())

	n := r.CancelForSession("sess-1")
	assert.Equal(t, 2, n)

	for _, ch := range []<-chan Decision{dec1, dec2} {
		dec := <-ch
		assert.True(t, dec.Cancelled)
	}
	require.NoError(t, <-err1)
	require.NoError(t, <-err2)

	// The other session's request is untouched.
	assert.Equal(t, 1, r.Len())
	_, ok := r.Resolve(survivor, true, "carol")
	require.True(t, ok)
	dec := <-dec3
	require.NoError(t, <-err3)
	assert.True(t, dec.Approved)
}

func TestRegistry_CancelAll(t *testing.T) {
	r := newTestRegistry(t)

	_, dec1, err1 := requestAsync(t, r, Request{SessionID: "sess-1"})
	_, dec2, err2 := requestAsync(t, r, Request{SessionID: "sess-2"})

	require.Equal(t, 2, r.Len())
	assert.Equal(t, 2, r.CancelAll())
	assert.Equal(t, 0, r.Len())

	for _, ch := range []<-chan Decision{dec1, dec2} {
		dec := <-ch
		assert.True(t, dec.Cancelled)
	}
	require.NoError(t, <-err1)
	require.NoError(t, <-err2)
}

func TestRegistry_ContextCancellation(t *testing.T) {
	r := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	idCh := make(chan string, 1)
	decCh := make(chan Decision, 1)
	errCh := make(chan error, 1)

	go func() {
		dec, err := r.Request(ctx, Request{SessionID: "sess-1"}, func(ctx context.Context, p *Pending) error {
			idCh <- p.ID
			return nil
		})
		decCh <- dec
		errCh <- err
	}()

	<-idCh
	cancel()

	dec := <-decCh
	err := <-errCh
	assert.True(t, dec.Cancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_NotifierFailureKeepsWaiting(t *testing.T) {
	r := newTestRegistry(t)

	idCh := make(chan string, 1)
	decCh := make(chan Decision, 1)

	go func() {
		dec, _ := r.Request(context.Background(), Request{SessionID: "sess-1"}, func(ctx context.Context, p *Pending) error {
			idCh <- p.ID
			return errors.New("chat unavailable")
		})
		decCh <- dec
	}()

	id := <-idCh

	// Still pending despite the notifier error; a late resolve works.
	assert.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := r.Resolve(id, true, "alice")
	require.True(t, ok)

	dec := <-decCh
	assert.True(t, dec.Approved)
}

func TestRegistry_ListPending(t *testing.T) {
	r := newTestRegistry(t)

	_, _, _ = requestAsync(t, r, Request{SessionID: "sess-1", ToolName: "bash"})
	_, _, _ = requestAsync(t, r, Request{SessionID: "sess-2", ToolName: "edit"})

	all := r.ListPending("")
	assert.Len(t, all, 2)

	scoped := r.ListPending("sess-2")
	require.Len(t, scoped, 1)
	assert.Equal(t, "edit", scoped[0].Request.ToolName)

	assert.Empty(t, r.ListPending("sess-3"))

	r.CancelForSession("sess-1")
	r.CancelForSession("sess-2")
}
