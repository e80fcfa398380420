package common

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/davewhat/tchannel/errors"
)

// Test ports support. In tests we want to obtain a free port for a listener
// before the component that listens on it is created, so the address can go in
// its config. AddressWithPort binds a listener on a free port and registers it;
// when test ports are enabled, Listen hands back the registered listener for
// that address instead of binding again.

func AddressWithPort(host string) (string, error) {
	return tp.addressWithPort(host)
}

func Listen(network, address string) (net.Listener, error) {
	if network != "tcp" {
		panic("network must be tcp")
	}
	return tp.listen(address)
}

func EnableTestPorts() {
	tp.enabled.Store(true)
}

var tp = &testPorts{listeners: map[string]net.Listener{}}

type testPorts struct {
	enabled   atomic.Bool
	lock      sync.Mutex
	listeners map[string]net.Listener
}

func (t *testPorts) listen(address string) (net.Listener, error) {
	if !t.enabled.Load() {
		return net.Listen("tcp", address)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	listener, ok := t.listeners[address]
	if !ok {
		return nil, errors.Errorf("test ports is enabled and there is no registered listener for address %s", address)
	}
	return listener, nil
}

func (t *testPorts) addressWithPort(host string) (string, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:0", host))
	if err != nil {
		return "", err
	}
	address := listener.Addr().String()
	t.lock.Lock()
	defer t.lock.Unlock()
	t.listeners[address] = &listenerWrapper{tp: t, address: address, listener: listener}
	return address, nil
}

func (t *testPorts) removeListener(address string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.listeners, address)
}

type listenerWrapper struct {
	tp       *testPorts
	address  string
	listener net.Listener
}

func (l *listenerWrapper) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

func (l *listenerWrapper) Close() error {
	l.tp.removeListener(l.address)
	return l.listener.Close()
}

func (l *listenerWrapper) Addr() net.Addr {
	return l.listener.Addr()
}
