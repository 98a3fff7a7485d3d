package chat

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ChatCore/tools/errs"
	"ChatCore/tools/safe"
)

// ManagerConf tunes the connection registry. Zero values get defaults.
type ManagerConf struct {
	ConnTTL    time.Duration // idle expiry, refreshed by heartbeat
	SweepEvery time.Duration
	MaxPerUser int // <=0 means unlimited; exceeding evicts the oldest
	WriteWait  time.Duration
	Clock      func() time.Time
}

func (c *ManagerConf) norm() {
	if c.ConnTTL <= 0 {
		c.ConnTTL = 5 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Conn is one registered WebSocket. All writes go through send, which holds
// the write mutex and sets the deadline; the read loop never writes.
type Conn struct {
	ID     string
	UserID string

	ws      *websocket.Conn
	writeMu sync.Mutex

	createdAt time.Time
	expireAt  time.Time
}

func (c *Conn) send(data []byte, wait time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ConnManager indexes live connections by id and by user, expires idle ones,
// and enforces the per-user cap by evicting the oldest connection.
type ConnManager struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byUser map[string]map[string]*Conn

	conf     ManagerConf
	nextID   atomic.Int64
	nodeID   string
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewConnManager(conf ManagerConf, nodeID string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byID:   make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
		conf:   conf,
		nodeID: nodeID,
		stopCh: make(chan struct{}),
	}
	safe.Go("connmgr-sweep", m.sweeper)
	return m
}

func (m *ConnManager) NodeID() string { return m.nodeID }

// Register adds an authenticated connection and returns its handle.
func (m *ConnManager) Register(userID string, ws *websocket.Conn) *Conn {
	now := m.conf.Clock()
	c := &Conn{
		ID:        m.nodeID + "-" + strconv.FormatInt(m.nextID.Add(1), 10),
		UserID:    userID,
		ws:        ws,
		createdAt: now,
		expireAt:  now.Add(m.conf.ConnTTL),
	}

	var evicted *Conn
	m.mu.Lock()
	if m.conf.MaxPerUser > 0 && len(m.byUser[userID]) >= m.conf.MaxPerUser {
		evicted = m.oldestLocked(userID)
		if evicted != nil {
			m.dropLocked(evicted)
		}
	}
	m.byID[c.ID] = c
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Conn)
	}
	m.byUser[userID][c.ID] = c
	m.mu.Unlock()

	if evicted != nil {
		_ = evicted.ws.Close()
	}
	return c
}

// Heartbeat extends a connection's expiry.
func (m *ConnManager) Heartbeat(connID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[connID]
	if !ok {
		return errs.ErrInvalidRequest.WrapMsg("unknown connection " + connID)
	}
	c.expireAt = now.Add(m.conf.ConnTTL)
	return nil
}

// Remove drops and closes a connection.
func (m *ConnManager) Remove(connID string) {
	m.mu.Lock()
	c, ok := m.byID[connID]
	if ok {
		m.dropLocked(c)
	}
	m.mu.Unlock()
	if ok {
		_ = c.ws.Close()
	}
}

// SendConn writes data to one connection.
func (m *ConnManager) SendConn(connID string, data []byte) error {
	m.mu.RLock()
	c, ok := m.byID[connID]
	m.mu.RUnlock()
	if !ok {
		return errs.ErrInvalidRequest.WrapMsg("unknown connection " + connID)
	}
	return c.send(data, m.conf.WriteWait)
}

// SendUser writes data to every connection of the user. Returns the number
// of connections reached; per-connection write errors only cost that
// connection its delivery.
func (m *ConnManager) SendUser(userID string, data []byte) int {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.byUser[userID]))
	for _, c := range m.byUser[userID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if err := c.send(data, m.conf.WriteWait); err == nil {
			n++
		}
	}
	return n
}

// UserConns reports how many connections a user currently has.
func (m *ConnManager) UserConns(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.byID = make(map[string]*Conn)
	m.byUser = make(map[string]map[string]*Conn)
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.SweepOnce()
		}
	}
}

// SweepOnce closes every expired connection. Sockets close outside the lock.
func (m *ConnManager) SweepOnce() int {
	now := m.conf.Clock()
	var expired []*Conn
	m.mu.Lock()
	for _, c := range m.byID {
		if now.After(c.expireAt) {
			expired = append(expired, c)
			m.dropLocked(c)
		}
	}
	m.mu.Unlock()
	for _, c := range expired {
		_ = c.ws.Close()
	}
	return len(expired)
}

func (m *ConnManager) oldestLocked(userID string) *Conn {
	var oldest *Conn
	for _, c := range m.byUser[userID] {
		if oldest == nil || c.createdAt.Before(oldest.createdAt) {
			oldest = c
		}
	}
	return oldest
}

func (m *ConnManager) dropLocked(c *Conn) {
	delete(m.byID, c.ID)
	if mm := m.byUser[c.UserID]; mm != nil {
		delete(mm, c.ID)
		if len(mm) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
}
