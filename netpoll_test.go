//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package aiop

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testWaitTimeout = 2 * time.Second

// forEachBackend runs f against every native backend built for the platform.
func forEachBackend(t *testing.T, capacity int, f func(t *testing.T, r *Reactor)) {
	for _, name := range Backends() {
		if name == mockBackendName {
			continue
		}
		name := name
		t.Run(name, func(t *testing.T) {
			r, err := NewReactor(ReactorConfig{Capacity: capacity, Backend: name})
			require.NoError(t, err)
			defer r.Close()
			require.Equal(t, name, r.Backend())
			f(t, r)
		})
	}
}

func socketPair(t *testing.T) (Handle, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return handle(t, fds[0]), fds[1]
}

func send(t *testing.T, fd int, msg string) {
	t.Helper()
	_, err := unix.Write(fd, []byte(msg))
	require.NoError(t, err)
}

// waitUntil waits until cond accepts the events of one Wait call. A wait
// interrupted by a signal returns no events, so it keeps trying until the deadline.
func waitUntil(t *testing.T, r *Reactor, events []Event, cond func([]Event) bool) []Event {
	t.Helper()
	deadline := time.Now().Add(testWaitTimeout)
	for time.Now().Before(deadline) {
		n, err := r.Wait(events, 50)
		require.NoError(t, err)
		if n > 0 && cond(events[:n]) {
			return append([]Event(nil), events[:n]...)
		}
	}
	require.FailNow(t, "no matching events before deadline")
	return nil
}

func findEvent(events []Event, h Handle) (Event, bool) {
	for _, ev := range events {
		if ev.Handle == h {
			return ev, true
		}
	}
	return Event{}, false
}

func countEvents(events []Event, h Handle) int {
	count := 0
	for _, ev := range events {
		if ev.Handle == h {
			count++
		}
	}
	return count
}

func hasEvent(h Handle, code Code) func([]Event) bool {
	return func(events []Event) bool {
		ev, ok := findEvent(events, h)
		return ok && ev.Code&code == code
	}
}

// assertQuiet checks that a few short waits report nothing for h.
func assertQuiet(t *testing.T, r *Reactor, h Handle) {
	t.Helper()
	events := make([]Event, 8)
	for i := 0; i < 3; i++ {
		n, err := r.Wait(events, 10)
		require.NoError(t, err)
		_, ok := findEvent(events[:n], h)
		assert.False(t, ok, "unexpected event for fd %d", h.Fd())
	}
}

func TestBackendReadReady(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		h, peer := socketPair(t)
		require.NoError(t, r.Add(h, CodeRecv, "pair"))
		send(t, peer, "ping")
		events := waitUntil(t, r, make([]Event, 8), hasEvent(h, CodeRecv))
		ev, _ := findEvent(events, h)
		assert.Equal(t, "pair", ev.Data)
		assert.Zero(t, ev.Code&CodeSend)
	})
}

func TestBackendWriteReady(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		h, _ := socketPair(t)
		require.NoError(t, r.Add(h, CodeSend, nil))
		events := waitUntil(t, r, make([]Event, 8), hasEvent(h, CodeSend))
		ev, _ := findEvent(events, h)
		assert.Zero(t, ev.Code&CodeRecv)
	})
}

func TestBackendReadWriteMerged(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		h, peer := socketPair(t)
		require.NoError(t, r.Add(h, CodeRecv|CodeSend, nil))
		send(t, peer, "x")
		events := waitUntil(t, r, make([]Event, 8), hasEvent(h, CodeRecv|CodeSend))
		assert.Equal(t, 1, countEvents(events, h))
	})
}

func TestBackendReplaceCode(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		h, peer := socketPair(t)
		require.NoError(t, r.Add(h, CodeRecv, nil))
		require.NoError(t, r.Add(h, CodeSend, nil))
		send(t, peer, "x")
		events := waitUntil(t, r, make([]Event, 8), hasEvent(h, CodeSend))
		ev, _ := findEvent(events, h)
		assert.Zero(t, ev.Code&CodeRecv)
	})
}

func TestBackendRemove(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		h, peer := socketPair(t)
		require.NoError(t, r.Add(h, CodeRecv, nil))
		send(t, peer, "x")
		waitUntil(t, r, make([]Event, 8), hasEvent(h, CodeRecv))
		require.NoError(t, r.Remove(h))
		assertQuiet(t, r, h)
		require.NoError(t, r.Remove(h))
	})
}

func TestBackendRemoveClosed(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		defer unix.Close(fds[1])
		h := handle(t, fds[0])
		require.NoError(t, r.Add(h, CodeRecv, nil))
		require.NoError(t, unix.Close(fds[0]))
		assert.NoError(t, r.Post([]Object{{Handle: h}}))
		assert.Equal(t, 0, r.Len())
	})
}

func TestBackendPost(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		h1, peer1 := socketPair(t)
		h2, _ := socketPair(t)
		h3, peer3 := socketPair(t)
		require.NoError(t, r.Add(h3, CodeRecv, nil))
		require.NoError(t, r.Post([]Object{
			{Handle: h1, Code: CodeRecv, Data: 1},
			{Handle: h2, Code: CodeSend, Data: 2},
			{Handle: h3},
		}))
		assert.Equal(t, 2, r.Len())
		send(t, peer1, "x")
		send(t, peer3, "x")
		events := waitUntil(t, r, make([]Event, 8), func(events []Event) bool {
			return hasEvent(h1, CodeRecv)(events) && hasEvent(h2, CodeSend)(events)
		})
		ev, _ := findEvent(events, h1)
		assert.Equal(t, 1, ev.Data)
		_, ok := findEvent(events, h3)
		assert.False(t, ok)
	})
}

func TestBackendWaitZeroReturnsImmediately(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		h, _ := socketPair(t)
		require.NoError(t, r.Add(h, CodeRecv, nil))
		start := time.Now()
		n, err := r.Wait(make([]Event, 8), 0)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	})
}

func TestBackendWaitTimeout(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		h, _ := socketPair(t)
		require.NoError(t, r.Add(h, CodeRecv, nil))
		n, err := r.Wait(make([]Event, 8), 20)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestBackendTruncateAndGrow(t *testing.T) {
	forEachBackend(t, 16, func(t *testing.T, r *Reactor) {
		handles := make(map[Handle]bool)
		for i := 0; i < 10; i++ {
			h, peer := socketPair(t)
			require.NoError(t, r.Add(h, CodeRecv, nil))
			send(t, peer, "x")
			handles[h] = true
		}
		events := make([]Event, 16)
		first := waitUntil(t, r, events[:4], func(events []Event) bool { return true })
		seen := make(map[Handle]bool)
		for _, ev := range first {
			assert.True(t, handles[ev.Handle])
			assert.False(t, seen[ev.Handle], "duplicate event for fd %d", ev.Handle.Fd())
			seen[ev.Handle] = true
		}
		assert.Len(t, first, 4)

		all := waitUntil(t, r, events, func(events []Event) bool { return true })
		assert.Len(t, all, 10)
		seen = make(map[Handle]bool)
		for _, ev := range all {
			assert.False(t, seen[ev.Handle], "duplicate event for fd %d", ev.Handle.Fd())
			seen[ev.Handle] = true
		}
	})
}

func TestBackendClear(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		h, peer := socketPair(t)
		require.NoError(t, r.Add(h, CodeRecv, nil))
		send(t, peer, "x")
		require.NoError(t, r.Clear())
		assert.Equal(t, 0, r.Len())
		assertQuiet(t, r, h)
		require.NoError(t, r.Add(h, CodeRecv, nil))
		waitUntil(t, r, make([]Event, 8), hasEvent(h, CodeRecv))
	})
}

func TestBackendPeerReset(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		client, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		server, err := ln.Accept()
		require.NoError(t, err)
		defer server.Close()

		h, err := HandleOf(server)
		require.NoError(t, err)
		require.NoError(t, r.Add(h, CodeRecv, nil))
		require.NoError(t, client.(*net.TCPConn).SetLinger(0))
		require.NoError(t, client.Close())

		// select has no error set, a reset peer is only readable there.
		want := CodeRecv | CodeErr
		if r.Backend() == "select" {
			want = CodeRecv
		}
		events := waitUntil(t, r, make([]Event, 8), hasEvent(h, want))
		ev, _ := findEvent(events, h)
		assert.Equal(t, want, ev.Code)
		assert.Equal(t, 1, countEvents(events, h))
	})
}

func TestPollReportsClosedDescriptor(t *testing.T) {
	r, err := NewReactor(ReactorConfig{Capacity: 8, Backend: "poll"})
	require.NoError(t, err)
	defer r.Close()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	h := handle(t, fds[0])
	require.NoError(t, r.Add(h, CodeRecv, "closed"))
	require.NoError(t, unix.Close(fds[0]))

	// POLLNVAL carries no direction, both are reported with the error.
	events := waitUntil(t, r, make([]Event, 8), hasEvent(h, CodeErr))
	ev, _ := findEvent(events, h)
	assert.Equal(t, CodeRecv|CodeSend|CodeErr, ev.Code)
	assert.Equal(t, "closed", ev.Data)
	require.NoError(t, r.Remove(h))
}

func TestBackendConnect(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		addr := ln.Addr().(*net.TCPAddr)

		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		defer unix.Close(fd)
		h := handle(t, fd)
		require.NoError(t, PrepareSocket(h, SocketOptions{NoDelay: true, RecvBuffer: 16384}))
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To4())
		err = unix.Connect(fd, sa)
		if err != nil {
			require.ErrorIs(t, err, unix.EINPROGRESS)
		}

		require.NoError(t, r.Add(h, CodeConn, nil))
		events := waitUntil(t, r, make([]Event, 8), hasEvent(h, CodeConn))
		ev, _ := findEvent(events, h)
		assert.Equal(t, CodeConn|CodeSend, ev.Code)
		assert.Equal(t, 1, countEvents(events, h))
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		require.NoError(t, err)
		require.Zero(t, soErr)

		server, err := ln.Accept()
		require.NoError(t, err)
		defer server.Close()
		_, err = server.Write([]byte("hello"))
		require.NoError(t, err)

		require.NoError(t, r.Add(h, CodeRecv, nil))
		waitUntil(t, r, make([]Event, 8), hasEvent(h, CodeRecv))
		buf := make([]byte, 16)
		n, err := unix.Read(fd, buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:n]))
	})
}

func TestBackendAccept(t *testing.T) {
	forEachBackend(t, 8, func(t *testing.T, r *Reactor) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		h, err := HandleOf(ln)
		require.NoError(t, err)
		require.NoError(t, r.Add(h, CodeAcpt, "listener"))

		client, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer client.Close()
		events := waitUntil(t, r, make([]Event, 8), hasEvent(h, CodeAcpt|CodeRecv))
		ev, _ := findEvent(events, h)
		assert.Equal(t, "listener", ev.Data)
	})
}

func TestPrepareSocket(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	require.NoError(t, PrepareSocket(handle(t, fd), SocketOptions{NoDelay: true, SendBuffer: 16384}))
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
	noDelay, err := unix.GetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY)
	require.NoError(t, err)
	assert.NotZero(t, noDelay)

	assert.ErrorIs(t, PrepareSocket(0, SocketOptions{}), ErrInvalidHandle)
}

func TestHandleOfUnsupported(t *testing.T) {
	_, err := HandleOf("not a conn")
	assert.ErrorIs(t, err, ErrUnsupported)
}
