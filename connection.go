package porygon

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Connection tracks one live client push channel. It is owned exclusively
// by the registry of the instance that accepted the client; cross-instance
// delivery always goes through the event bus.
type Connection struct {
	ID         string
	URL        string
	GeneralURL string

	push    PushConnection
	codec   MessageCodec
	writeCh chan *Frame
	done    chan struct{}
	closed  *atomic.Bool
	seq     *atomic.Uint64
	dropped *atomic.Uint64

	mu            sync.Mutex
	sessionID     string
	lastAckSeq    uint64
	lastAckAt     time.Time
	lastPingAt    time.Time
	pingsSinceAck int
	state         *StateReport
}

func newConnection(id string, push PushConnection, codec MessageCodec, url string) *Connection {
	return &Connection{
		ID:         id,
		URL:        url,
		GeneralURL: generalizeURL(url),
		push:       push,
		codec:      codec,
		writeCh:    make(chan *Frame, 64),
		done:       make(chan struct{}),
		closed:     atomic.NewBool(false),
		seq:        atomic.NewUint64(0),
		dropped:    atomic.NewUint64(0),
	}
}

func (c *Connection) startup() {
	go c.processWrite()
}

func (c *Connection) send(event string, data interface{}) error {
	if c.closed.Load() {
		return ErrConnectionNotFound
	}
	frame := &Frame{Event: event, Data: data, ID: c.seq.Inc()}
	select {
	case c.writeCh <- frame:
		return nil
	case <-c.done:
		return ErrConnectionNotFound
	default:
		// A full buffer means the client stopped draining. Dropping keeps
		// the caller unblocked; the stalled-ack check disconnects the client
		// if it never catches up.
		c.dropped.Inc()
		log.Warnw("write buffer full, frame dropped", "connectionId", c.ID, "seq", frame.ID)
		return nil
	}
}

func (c *Connection) close() error {
	if c.closed.CAS(false, true) {
		close(c.done)
		return c.push.Close()
	}
	return nil
}

func (c *Connection) processWrite() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.writeCh:
			raw, err := c.codec.Encode(frame)
			if err != nil {
				log.Errorw("could not encode frame", "connectionId", c.ID, "error", err)
				continue
			}
			if err := c.push.Send(raw); err != nil {
				// The usual cause is a client that went away without closing.
				log.Errorw("error while sending frame to client", "connectionId", c.ID, "error", err.Error())
				return
			}
		}
	}
}

// ack records the client's progress. Re-acking an already-acked sequence
// leaves the latency and liveness state untouched.
func (c *Connection) ack(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq <= c.lastAckSeq {
		return
	}
	c.lastAckSeq = seq
	c.lastAckAt = time.Now()
	c.pingsSinceAck = 0
}

// recordPing notes a ping round and reports the delivery latency (time
// between the last ack and now) plus how many ping intervals have passed
// without the ack sequence advancing.
func (c *Connection) recordPing(at time.Time) (time.Duration, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPingAt = at
	c.pingsSinceAck++
	var latency time.Duration
	if !c.lastAckAt.IsZero() {
		latency = at.Sub(c.lastAckAt)
	}
	return latency, c.pingsSinceAck
}

func (c *Connection) reportState(state *StateReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Connection) DroppedFrames() uint64 {
	return c.dropped.Load()
}

// SessionID reports the session this connection currently owns, if any.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Connection) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Connection) LastAckSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAckSeq
}

func (c *Connection) State() *StateReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// generalizeURL collapses path segments that look like identifiers so
// connections on the same page template can be grouped together.
func generalizeURL(url string) string {
	parts := strings.Split(url, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := uuid.Parse(p); err == nil {
			parts[i] = ":id"
			continue
		}
		if isNumeric(p) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
