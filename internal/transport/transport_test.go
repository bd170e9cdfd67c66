package transport

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func socketPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "pclipsync.sock")
}

func TestServerAcceptsExactlyOnePeer(t *testing.T) {
	path := socketPath(t)
	srv := NewServer(path)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := srv.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	first, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer first.Close()

	select {
	case conn := <-accepted:
		defer conn.Close()
	case err := <-acceptErr:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept first peer")
	}

	// The listener is closed after accepting one peer, so a second dial
	// attempt must fail outright rather than queue.
	_, err = net.Dial("unix", path)
	assert.Error(t, err)
}

func TestServerListenDetectsStaleSocket(t *testing.T) {
	path := socketPath(t)

	stale := NewServer(path)
	require.NoError(t, stale.Listen())
	unixLn, ok := stale.ln.(*net.UnixListener)
	require.True(t, ok)
	unixLn.SetUnlinkOnClose(false)
	unixLn.Close() // simulate a crash: listener gone, socket file left behind

	fresh := NewServer(path)
	require.NoError(t, fresh.Listen())
	fresh.Close()
}

func TestServerListenReportsSocketBusy(t *testing.T) {
	path := socketPath(t)

	first := NewServer(path)
	require.NoError(t, first.Listen())
	defer first.Close()
	defer first.ln.Close()

	second := NewServer(path)
	err := second.Listen()
	assert.ErrorIs(t, err, ErrSocketBusy)
}

func TestServerCloseRemovesSocketFile(t *testing.T) {
	path := socketPath(t)
	srv := NewServer(path)
	require.NoError(t, srv.Listen())

	_, err := os.Stat(path)
	require.NoError(t, err)

	// Keep the listener from unlinking the file itself, so only srv.Close
	// can remove it.
	unixLn, ok := srv.ln.(*net.UnixListener)
	require.True(t, ok)
	unixLn.SetUnlinkOnClose(false)
	srv.ln.Close()
	srv.Close()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestClientDialSucceedsOnFirstAttempt(t *testing.T) {
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	client := NewClient(path)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resetCount int
	conn, err := client.Dial(ctx, func() { resetCount++ })
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 1, resetCount)
}

func TestClientDialResetsGuardBeforeEveryAttempt(t *testing.T) {
	path := socketPath(t) // nothing listens here; every attempt fails until ctx is cancelled

	client := NewClient(path)
	ctx, cancel := context.WithCancel(context.Background())

	var resetCount int
	done := make(chan struct{})
	go func() {
		_, _ = client.Dial(ctx, func() { resetCount++ })
		close(done)
	}()

	// The first attempt runs at once and the second after the 1s initial
	// backoff, so by 1.5s the callback must have run before both.
	time.Sleep(1500 * time.Millisecond)
	cancel()
	<-done

	assert.GreaterOrEqual(t, resetCount, 2)
}
