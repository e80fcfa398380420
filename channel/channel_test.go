package channel

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/davewhat/tchannel/common"
	"github.com/davewhat/tchannel/conf"
	"github.com/davewhat/tchannel/errors"
)

func init() {
	common.EnableTestPorts()
}

func newTestChannel(t *testing.T, events Events, opts ...Option) *Channel {
	t.Helper()
	address, err := common.AddressWithPort("localhost")
	require.NoError(t, err)
	listening := false
	cfg := conf.Config{HostPort: address, Listening: &listening}
	ch, err := NewChannel(cfg, opts...)
	require.NoError(t, err)
	ch.SetEvents(events)
	require.NoError(t, ch.Listen())
	t.Cleanup(func() {
		ch.Quit(nil)
	})
	return ch
}

func waitFor[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		panic("unreachable")
	}
}

func registerEcho(ch *Channel) {
	ch.Register("echo", func(call *InboundCall) {
		if err := call.Respond(nil, call.Arg2(), call.Arg3()); err != nil {
			// The operation may have expired; nothing more to do
			return
		}
	})
}

func TestSimpleRoundTrip(t *testing.T) {
	identifiedA := make(chan string, 10)
	identifiedB := make(chan string, 10)
	endpointHits := make(chan string, 10)
	a := newTestChannel(t, Events{
		Identified: func(_ *Connection, hostPort string) { identifiedA <- hostPort },
		Endpoint:   func(name string) { endpointHits <- name },
	})
	b := newTestChannel(t, Events{
		Identified: func(_ *Connection, hostPort string) { identifiedB <- hostPort },
	})
	registerEcho(a)

	res1, res2, err := b.Call(SendOptions{Host: a.HostPort()}, []byte("echo"), []byte("k"), []byte("v"))
	require.NoError(t, err)
	require.Equal(t, []byte("k"), res1)
	require.Equal(t, []byte("v"), res2)

	require.Equal(t, a.HostPort(), waitFor(t, identifiedB))
	require.Equal(t, b.HostPort(), waitFor(t, identifiedA))
	require.Equal(t, "echo", waitFor(t, endpointHits))

	// Identified fires exactly once per connection
	require.Len(t, identifiedA, 0)
	require.Len(t, identifiedB, 0)

	require.Equal(t, 1, b.peers.count(a.HostPort()))
	require.Equal(t, 1, a.peers.count(b.HostPort()))

	// A second call multiplexes over the same connection
	res1, res2, err = b.Call(SendOptions{Host: a.HostPort()}, []byte("echo"), []byte("k2"), []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, []byte("k2"), res1)
	require.Equal(t, []byte("v2"), res2)
	require.Equal(t, 1, b.peers.count(a.HostPort()))
	require.Len(t, identifiedB, 0)
}

func TestServiceNameTravels(t *testing.T) {
	a := newTestChannel(t, Events{})
	b := newTestChannel(t, Events{})
	services := make(chan string, 1)
	a.Register("echo", func(call *InboundCall) {
		services <- call.Service()
		_ = call.Respond(nil, call.Arg2(), call.Arg3())
	})
	_, _, err := b.Call(SendOptions{Host: a.HostPort(), Service: "keyvalue"}, []byte("echo"), []byte("k"), []byte("v"))
	require.NoError(t, err)
	require.Equal(t, "keyvalue", waitFor(t, services))
}

func TestNoSuchEndpoint(t *testing.T) {
	missing := make(chan string, 10)
	a := newTestChannel(t, Events{
		EndpointMissing: func(name string) { missing <- name },
	})
	b := newTestChannel(t, Events{})

	res1, res2, err := b.Call(SendOptions{Host: a.HostPort()}, []byte("missing"), []byte("k"), []byte("v"))
	require.True(t, errors.IsErrorWithCode(err, errors.NoSuchEndpoint))
	require.Nil(t, res1)
	require.Nil(t, res2)
	require.Equal(t, "missing", waitFor(t, missing))
}

func TestRegisterOverwrites(t *testing.T) {
	a := newTestChannel(t, Events{})
	b := newTestChannel(t, Events{})
	a.Register("op", func(call *InboundCall) {
		_ = call.Respond(nil, []byte("one"), nil)
	})
	a.Register("op", func(call *InboundCall) {
		_ = call.Respond(nil, []byte("two"), nil)
	})
	res1, _, err := b.Call(SendOptions{Host: a.HostPort()}, []byte("op"), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), res1)
}

func TestSendValidation(t *testing.T) {
	b := newTestChannel(t, Events{})
	err := b.Send(SendOptions{}, []byte("echo"), nil, nil, func(error, []byte, []byte) {
		t.Error("handler must not run for invalid options")
	})
	require.True(t, errors.IsErrorWithCode(err, errors.InvalidArgument))
}

func TestSelfPeerRefused(t *testing.T) {
	a := newTestChannel(t, Events{})

	_, err := a.addPeer(a.HostPort(), nil)
	require.True(t, errors.IsErrorWithCode(err, errors.InvalidArgument))

	err = a.Send(SendOptions{Host: a.HostPort()}, []byte("echo"), nil, nil, func(error, []byte, []byte) {
		t.Error("handler must not run for a self send")
	})
	require.True(t, errors.IsErrorWithCode(err, errors.InvalidArgument))

	p1, p2 := net.Pipe()
	defer func() {
		_ = p1.Close()
		_ = p2.Close()
	}()
	_, err = newConnection(a, p1, directionIn, a.HostPort())
	require.True(t, errors.IsErrorWithCode(err, errors.InvalidArgument))
}

func TestDialFailureDeliveredToHandler(t *testing.T) {
	b := newTestChannel(t, Events{})
	errCh := make(chan error, 1)
	err := b.Send(SendOptions{Host: "localhost:365454"}, []byte("echo"), nil, nil, func(err error, _, _ []byte) {
		errCh <- err
	})
	require.NoError(t, err)
	require.True(t, errors.IsErrorWithCode(waitFor(t, errCh), errors.SocketError))
}

func TestQuitDrains(t *testing.T) {
	grsBefore := common.RunningGRCount()
	targets := make([]*Channel, 3)
	for i := range targets {
		ch := newTestChannel(t, Events{})
		ch.Register("slow", func(call *InboundCall) {
			<-call.Context().Done()
		})
		ch.Register("ping", func(call *InboundCall) {
			_ = call.Respond(nil, nil, nil)
		})
		targets[i] = ch
	}
	b := newTestChannel(t, Events{})

	opErrs := make(chan error, 2)
	for _, target := range targets[:2] {
		require.NoError(t, b.Send(SendOptions{Host: target.HostPort()}, []byte("slow"), nil, nil, func(err error, _, _ []byte) {
			opErrs <- err
		}))
	}
	// Third peer connection, no pending op
	_, _, err := b.Call(SendOptions{Host: targets[2].HostPort()}, []byte("ping"), nil, nil)
	require.NoError(t, err)
	require.Len(t, b.peers.all(), 3)

	quitDone := make(chan struct{}, 4)
	b.Quit(func() {
		quitDone <- struct{}{}
	})

	require.True(t, errors.IsShutdownError(waitFor(t, opErrs)))
	require.True(t, errors.IsShutdownError(waitFor(t, opErrs)))
	waitFor(t, quitDone)

	// The completion callback fires exactly once
	time.Sleep(100 * time.Millisecond)
	require.Len(t, quitDone, 0)

	// All sockets are gone
	require.Eventually(t, func() bool {
		b.lock.RLock()
		defer b.lock.RUnlock()
		return len(b.conns) == 0 && !b.listening
	}, 5*time.Second, 10*time.Millisecond)

	// A second quit is a no-op
	b.Quit(func() {
		t.Error("second quit must not fire the callback")
	})

	err = b.Send(SendOptions{Host: targets[0].HostPort()}, []byte("slow"), nil, nil, nil)
	require.True(t, errors.IsErrorWithCode(err, errors.Destroyed))
	require.True(t, errors.IsErrorWithCode(b.Listen(), errors.Destroyed))

	// Every read loop, accept loop and handler goroutine winds down
	for _, target := range targets {
		target.Quit(nil)
	}
	require.Eventually(t, func() bool {
		return common.RunningGRCount() <= grsBefore
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQuitWithoutListener(t *testing.T) {
	listening := false
	cfg := conf.Config{HostPort: "127.0.0.1:4040", Listening: &listening}
	ch, err := NewChannel(cfg)
	require.NoError(t, err)
	fired := 0
	ch.Quit(func() {
		fired++
	})
	require.Equal(t, 1, fired)
	ch.Quit(func() {
		t.Error("second quit must not fire the callback")
	})
	require.Equal(t, 1, fired)
}

func TestConcurrentSendsMultiplex(t *testing.T) {
	a := newTestChannel(t, Events{})
	b := newTestChannel(t, Events{})
	registerEcho(a)

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		i := i
		g.Go(func() error {
			arg2 := []byte(fmt.Sprintf("key-%d", i))
			arg3 := []byte(fmt.Sprintf("value-%d", i))
			res1, res2, err := b.Call(SendOptions{Host: a.HostPort()}, []byte("echo"), arg2, arg3)
			if err != nil {
				return err
			}
			if !bytes.Equal(res1, arg2) || !bytes.Equal(res2, arg3) {
				return errors.Errorf("args did not round trip: %q %q", res1, res2)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// All 50 operations multiplexed over a single connection, and at
	// quiescence the pending counts match the table sizes
	require.Len(t, b.peers.all(), 1)
	c := b.peers.first(a.HostPort())
	c.lock.Lock()
	require.Equal(t, len(c.outOps), c.outPending)
	require.Equal(t, 0, c.outPending)
	c.lock.Unlock()

	require.Eventually(t, func() bool {
		inConn := a.peers.first(b.HostPort())
		if inConn == nil {
			return false
		}
		inConn.lock.Lock()
		defer inConn.lock.Unlock()
		return inConn.inPending == 0 && len(inConn.inOps) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMaxInboundConnectionsCapsAccepts(t *testing.T) {
	address, err := common.AddressWithPort("localhost")
	require.NoError(t, err)
	listening := false
	cfg := conf.Config{HostPort: address, Listening: &listening, MaxInboundConnections: 2}
	a, err := NewChannel(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Quit(nil)
	})
	registerEcho(a)
	require.NoError(t, a.Listen())

	b1 := newTestChannel(t, Events{})
	b2 := newTestChannel(t, Events{})
	b3 := newTestChannel(t, Events{})

	// Two connections fill the cap
	_, _, err = b1.Call(SendOptions{Host: a.HostPort()}, []byte("echo"), []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, _, err = b2.Call(SendOptions{Host: a.HostPort()}, []byte("echo"), []byte("k2"), []byte("v2"))
	require.NoError(t, err)

	// The third connection is dialed but never accepted: its call times out
	// and the server side never identifies the peer
	_, _, err = b3.Call(SendOptions{Host: a.HostPort(), Timeout: 100 * time.Millisecond}, []byte("echo"), []byte("k3"), []byte("v3"))
	require.True(t, errors.IsTimeoutError(err))
	require.Nil(t, a.peers.first(b3.HostPort()))

	// Capped connections keep serving
	_, _, err = b1.Call(SendOptions{Host: a.HostPort()}, []byte("echo"), []byte("k1"), []byte("v1"))
	require.NoError(t, err)

	// Releasing a slot lets the deferred connection in
	quitDone := make(chan struct{}, 1)
	b1.Quit(func() {
		quitDone <- struct{}{}
	})
	waitFor(t, quitDone)

	res1, res2, err := b3.Call(SendOptions{Host: a.HostPort()}, []byte("echo"), []byte("k3"), []byte("v3"))
	require.NoError(t, err)
	require.Equal(t, []byte("k3"), res1)
	require.Equal(t, []byte("v3"), res2)
	require.Eventually(t, func() bool {
		return a.peers.first(b3.HostPort()) != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestListeningEvent(t *testing.T) {
	address, err := common.AddressWithPort("localhost")
	require.NoError(t, err)
	listening := false
	cfg := conf.Config{HostPort: address, Listening: &listening}
	ch, err := NewChannel(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ch.Quit(nil)
	})
	fired := make(chan struct{}, 2)
	ch.SetEvents(Events{Listening: func() { fired <- struct{}{} }})
	require.NoError(t, ch.Listen())
	waitFor(t, fired)
	// Listen is idempotent and must not emit again
	require.NoError(t, ch.Listen())
	require.Len(t, fired, 0)
}

func TestConfigValidationAtConstruction(t *testing.T) {
	_, err := NewChannel(conf.Config{})
	require.True(t, errors.IsErrorWithCode(err, errors.InvalidConfiguration))
}
