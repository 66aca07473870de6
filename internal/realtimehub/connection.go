package realtimehub

import (
	"sync"
	"time"
)

// connQueueSize bounds each connection's outbound buffer; a full queue drops
// its oldest entry rather than blocking the sender (spec §4.4).
const connQueueSize = 256

// connection is the hub's server-side view of one client socket.
type connection struct {
	clientID string

	mu                 sync.Mutex
	userID             string
	authenticated      bool
	subscribedSessions map[string]struct{}
	subscribedRunners  map[string]struct{}
	connectedAt        time.Time
	authenticatedAt    time.Time
	lastPingAt         time.Time

	send    chan []byte
	closeCh chan struct{}
	once    sync.Once
	drops   uint64
}

func newConnection(clientID string) *connection {
	now := time.Now().UTC()
	return &connection{
		clientID:            clientID,
		subscribedSessions:  make(map[string]struct{}),
		subscribedRunners:   make(map[string]struct{}),
		connectedAt:         now,
		lastPingAt:          now,
		send:                make(chan []byte, connQueueSize),
		closeCh:             make(chan struct{}),
	}
}

// enqueue delivers payload without blocking; on a full queue it drops the
// oldest buffered message and counts the drop (spec §4.4 "never block a
// sender on slow clients").
func (c *connection) enqueue(payload []byte) {
	select {
	case c.send <- payload:
		return
	default:
	}
	select {
	case <-c.send:
		c.mu.Lock()
		c.drops++
		c.mu.Unlock()
	default:
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *connection) close() {
	c.once.Do(func() { close(c.closeCh) })
}

func (c *connection) markAuthenticated(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.authenticated = true
	c.authenticatedAt = time.Now().UTC()
}

func (c *connection) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *connection) subscribe(sessionID, runnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != "" {
		c.subscribedSessions[sessionID] = struct{}{}
	}
	if runnerID != "" {
		c.subscribedRunners[runnerID] = struct{}{}
	}
}

func (c *connection) unsubscribe(sessionID, runnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != "" {
		delete(c.subscribedSessions, sessionID)
	}
	if runnerID != "" {
		delete(c.subscribedRunners, runnerID)
	}
}

func (c *connection) subscribedToSession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribedSessions[sessionID]
	return ok
}

func (c *connection) touchPing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPingAt = time.Now().UTC()
}

func (c *connection) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastPingAt)
}
