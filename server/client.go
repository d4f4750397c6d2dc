// Package server implements the exchange simulator: a single-reactor TCP
// server that accepts feed-handler connections, tracks their subscriptions,
// and fans out generated ticks while watching for slow consumers.
package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/kyber-systems/marketfeed/eventbus"
	"github.com/kyber-systems/marketfeed/sockutil"
)

const (
	slowConsumerThreshold = 1 * 1024 * 1024
)

// client tracks per-connection subscription and flow-control state.
type client struct {
	ID      string
	fd      int
	Address string
	Port    uint16

	subscribedSymbols map[uint16]struct{}
	subscribeAll      bool

	pendingBytes       int
	slowConsumerCount  uint64
	isSlow             bool

	messagesSent uint64
	bytesSent    uint64
	connectTime  time.Time
	lastActivity time.Time
}

// ClientManager owns every connected client and performs the fan-out
// broadcast. A single goroutine (the exchange reactor) is expected to drive
// every method; the mutex exists only to let admin/metrics code read
// snapshots concurrently without racing the hot path.
type ClientManager struct {
	mu      sync.RWMutex
	clients map[int]*client

	slowThreshold int
	bus           *eventbus.RingBuffer

	totalMessagesSent atomic.Uint64
	totalBytesSent    atomic.Uint64
}

// NewClientManager constructs an empty manager using the default 1MiB
// slow-consumer threshold.
func NewClientManager() *ClientManager {
	return &ClientManager{
		clients:       make(map[int]*client),
		slowThreshold: slowConsumerThreshold,
	}
}

// SetEventBus wires an admin event bus that markSlowLocked/clearSlowLocked
// publish slow/recovered transitions onto. Optional — nil is a no-op.
func (m *ClientManager) SetEventBus(bus *eventbus.RingBuffer) {
	m.mu.Lock()
	m.bus = bus
	m.mu.Unlock()
}

// SetSlowThreshold overrides the pending-bytes threshold above which a
// client is marked slow.
func (m *ClientManager) SetSlowThreshold(bytes int) {
	m.mu.Lock()
	m.slowThreshold = bytes
	m.mu.Unlock()
}

// AddClient registers a newly accepted connection.
func (m *ClientManager) AddClient(fd int, address string, port uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[fd]; exists {
		return false
	}

	now := time.Now()
	m.clients[fd] = &client{
		ID:                xid.New().String(),
		fd:                fd,
		Address:           address,
		Port:              port,
		subscribedSymbols: make(map[uint16]struct{}),
		subscribeAll:      true,
		connectTime:       now,
		lastActivity:      now,
	}
	return true
}

// RemoveClient drops fd from the manager. The caller owns closing the
// socket and deregistering it from the poller.
func (m *ClientManager) RemoveClient(fd int) {
	m.mu.Lock()
	delete(m.clients, fd)
	m.mu.Unlock()
}

// HasClient reports whether fd is currently tracked.
func (m *ClientManager) HasClient(fd int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[fd]
	return ok
}

// ClientID returns the opaque connection ID for fd, or "" if unknown.
func (m *ClientManager) ClientID(fd int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.clients[fd]; ok {
		return c.ID
	}
	return ""
}

// ClientAddress returns the host and port recorded for fd; ok is false if
// fd is unknown.
func (m *ClientManager) ClientAddress(fd int) (string, uint16, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[fd]
	if !ok {
		return "", 0, false
	}
	return c.Address, c.Port, true
}

// HandleSubscription replaces fd's subscription set. An empty ids slice
// means "subscribe to everything".
func (m *ClientManager) HandleSubscription(fd int, ids []uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[fd]
	if !ok {
		return false
	}

	c.subscribedSymbols = make(map[uint16]struct{}, len(ids))
	c.subscribeAll = len(ids) == 0
	for _, id := range ids {
		c.subscribedSymbols[id] = struct{}{}
	}
	return true
}

// Broadcast sends data to every subscribed, non-slow client and returns how
// many received it.
func (m *ClientManager) Broadcast(data []byte, symbolID uint16) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for fd, c := range m.clients {
		if c.isSlow {
			continue
		}
		if !c.subscribeAll {
			if _, subscribed := c.subscribedSymbols[symbolID]; !subscribed {
				continue
			}
		}

		if m.sendToClientLocked(fd, c, data) {
			count++
			c.messagesSent++
			c.bytesSent += uint64(len(data))
			c.lastActivity = time.Now()
		}
	}

	m.totalMessagesSent.Add(uint64(count))
	m.totalBytesSent.Add(uint64(count) * uint64(len(data)))
	return count
}

// SendToClient sends data to a single fd (used for heartbeats, which go to
// every client regardless of subscription).
func (m *ClientManager) SendToClient(fd int, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[fd]
	if !ok {
		return false
	}
	return m.sendToClientLocked(fd, c, data)
}

func (m *ClientManager) sendToClientLocked(fd int, c *client, data []byte) bool {
	pending, err := sockutil.PendingSendBytes(fd)
	if err != nil {
		pending = 0
	}
	c.pendingBytes = pending

	if pending > m.slowThreshold {
		m.markSlowLocked(c)
		return false
	}

	sent, err := unix.Write(fd, data)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			m.markSlowLocked(c)
			return false
		}
		return false
	}

	if sent < len(data) {
		m.markSlowLocked(c)
		return false
	}

	if c.isSlow && pending < m.slowThreshold/2 {
		m.clearSlowLocked(c)
	}

	return true
}

func (m *ClientManager) markSlowLocked(c *client) {
	wasSlow := c.isSlow
	c.isSlow = true
	c.slowConsumerCount++
	if !wasSlow && m.bus != nil {
		m.bus.Publish(eventbus.Event{Kind: eventbus.ClientMarkedSlow, ClientID: c.ID, Address: c.Address})
	}
}

func (m *ClientManager) clearSlowLocked(c *client) {
	c.isSlow = false
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Kind: eventbus.ClientRecovered, ClientID: c.ID, Address: c.Address})
	}
}

// AllClientFDs returns every currently tracked fd.
func (m *ClientManager) AllClientFDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fds := make([]int, 0, len(m.clients))
	for fd := range m.clients {
		fds = append(fds, fd)
	}
	return fds
}

// SlowClientFDs returns every fd currently marked slow.
func (m *ClientManager) SlowClientFDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var slow []int
	for fd, c := range m.clients {
		if c.isSlow {
			slow = append(slow, fd)
		}
	}
	return slow
}

// IsSlow reports fd's current slow-consumer status.
func (m *ClientManager) IsSlow(fd int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[fd]
	return ok && c.isSlow
}

// ClientCount reports how many clients are currently connected.
func (m *ClientManager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *ClientManager) TotalMessagesSent() uint64 { return m.totalMessagesSent.Load() }
func (m *ClientManager) TotalBytesSent() uint64    { return m.totalBytesSent.Load() }
