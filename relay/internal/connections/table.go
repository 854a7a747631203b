package connections

import (
	"sync"
	"time"

	"verdict-relay/relay/internal/events"
)

type Result int

const (
	Delivered Result = iota
	NoConnection
	SinkFull
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case NoConnection:
		return "no_connection"
	case SinkFull:
		return "sink_full"
	}
	return "unknown"
}

// Conn is one attached outbound push stream. The table owns it from Attach
// until Detach; the subscriber only reads Events().
type Conn struct {
	SessionID  string
	Generation uint64
	OpenedAt   time.Time

	ch         chan events.Event
	superseded chan struct{}
	once       sync.Once
}

func (c *Conn) Events() <-chan events.Event {
	return c.ch
}

// Superseded is closed when a newer subscription for the same session id
// replaces this connection in the table.
func (c *Conn) Superseded() <-chan struct{} {
	return c.superseded
}

func (c *Conn) supersede() {
	c.once.Do(func() { close(c.superseded) })
}

// Table maps a session id to the single connection currently allowed to
// receive its events. A new Attach for the same id replaces the old entry.
type Table struct {
	mu      sync.Mutex
	conns   map[string]*Conn
	nextGen uint64
	buffer  int
	now     func() time.Time
}

func NewTable(buffer int) *Table {
	if buffer <= 0 {
		buffer = 256
	}
	return &Table{
		conns:  make(map[string]*Conn),
		buffer: buffer,
		now:    time.Now,
	}
}

// Attach registers a new connection for sessionID and returns it. Any
// previous connection for the id is marked superseded and stops receiving.
func (t *Table) Attach(sessionID string) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextGen++
	conn := &Conn{
		SessionID:  sessionID,
		Generation: t.nextGen,
		OpenedAt:   t.now(),
		ch:         make(chan events.Event, t.buffer),
		superseded: make(chan struct{}),
	}
	if prev := t.conns[sessionID]; prev != nil {
		prev.supersede()
	}
	t.conns[sessionID] = conn
	return conn
}

// Detach removes conn from the table, unless it has already been replaced
// by a newer generation. It reports whether an entry was removed.
func (t *Table) Detach(conn *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.conns[conn.SessionID]
	if !ok || cur.Generation != conn.Generation {
		return false
	}
	delete(t.conns, conn.SessionID)
	return true
}

// Deliver hands ev to the connection attached for sessionID without
// blocking. A subscriber that stopped draining its buffer loses the event.
func (t *Table) Deliver(sessionID string, ev events.Event) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn := t.conns[sessionID]
	if conn == nil {
		return NoConnection
	}
	select {
	case conn.ch <- ev:
		return Delivered
	default:
		return SinkFull
	}
}

func (t *Table) Get(sessionID string) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[sessionID]
	return conn, ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}
