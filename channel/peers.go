package channel

import (
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// peerRegistry maps hostPort to the ordered connections for that peer.
// Outbound connections are prepended and inbound appended, so the first
// element - what first returns - is the most recently dialed outbound
// connection when one exists. Keys are never removed, even when their list
// empties; the map is keyed in insertion order, which is the order all
// flattens by.
type peerRegistry struct {
	lock  sync.RWMutex
	peers *linkedhashmap.Map
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{peers: linkedhashmap.New()}
}

func (r *peerRegistry) add(hostPort string, c *Connection, prepend bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	var conns []*Connection
	if v, ok := r.peers.Get(hostPort); ok {
		conns = v.([]*Connection)
	}
	if prepend {
		conns = append([]*Connection{c}, conns...)
	} else {
		conns = append(conns, c)
	}
	r.peers.Put(hostPort, conns)
}

func (r *peerRegistry) first(hostPort string) *Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	v, ok := r.peers.Get(hostPort)
	if !ok {
		return nil
	}
	conns := v.([]*Connection)
	if len(conns) == 0 {
		return nil
	}
	return conns[0]
}

func (r *peerRegistry) remove(hostPort string, c *Connection) {
	r.lock.Lock()
	defer r.lock.Unlock()
	v, ok := r.peers.Get(hostPort)
	if !ok {
		return
	}
	conns := v.([]*Connection)
	for i, conn := range conns {
		if conn == c {
			conns = append(conns[:i:i], conns[i+1:]...)
			r.peers.Put(hostPort, conns)
			return
		}
	}
}

func (r *peerRegistry) all() []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var out []*Connection
	it := r.peers.Iterator()
	for it.Next() {
		out = append(out, it.Value().([]*Connection)...)
	}
	return out
}

func (r *peerRegistry) count(hostPort string) int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	v, ok := r.peers.Get(hostPort)
	if !ok {
		return 0
	}
	return len(v.([]*Connection))
}
