package porygon

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionExists   = errors.New("connection id duplicated")
)

// ConnectionRegistry owns every live push channel accepted by this instance
// and mediates all server-to-client commands. A periodic ping loop tracks
// liveness; clients whose ack sequence stops advancing get disconnected.
type ConnectionRegistry struct {
	ID       string
	cfg      Config
	codec    MessageCodec
	presence Presence

	mu    sync.Mutex
	conns map[string]*Connection

	numActive *atomic.Int32
	doneCh    chan struct{}

	onDisconnect []func(connID string)
}

func NewConnectionRegistry(cfg Config, presence Presence) *ConnectionRegistry {
	cr := &ConnectionRegistry{
		ID:        uuid.NewString(),
		cfg:       cfg,
		codec:     NewDefaultCodec(),
		presence:  presence,
		conns:     make(map[string]*Connection),
		numActive: atomic.NewInt32(0),
		doneCh:    make(chan struct{}),
	}
	log.Infow("ConnectionRegistry initialized", "id", cr.ID)
	return cr
}

// OnDisconnect registers a teardown hook, run when a connection goes away.
// Hooks fire in registration order; the distributor and the session manager
// both use this to release per-connection state.
func (cr *ConnectionRegistry) OnDisconnect(fn func(connID string)) {
	cr.onDisconnect = append(cr.onDisconnect, fn)
}

func (cr *ConnectionRegistry) Startup() {
	go cr.pingLoop()
}

func (cr *ConnectionRegistry) Shutdown() {
	close(cr.doneCh)
	cr.mu.Lock()
	conns := make([]*Connection, 0, len(cr.conns))
	for _, c := range cr.conns {
		conns = append(conns, c)
	}
	cr.mu.Unlock()
	for _, c := range conns {
		_ = cr.Disconnect(c.ID)
	}
}

// Connect upgrades the request to a push stream and registers the
// connection. Upgrade failures are reported as ErrConnectionUpgrade.
func (cr *ConnectionRegistry) Connect(connID string, w http.ResponseWriter, r *http.Request, factory PushConnFactory) (*Connection, error) {
	cr.mu.Lock()
	if _, found := cr.conns[connID]; found {
		cr.mu.Unlock()
		log.Errorw("connection already existed", "connectionId", connID)
		return nil, ErrConnectionExists
	}
	cr.mu.Unlock()

	push, err := factory(w, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionUpgrade, err)
	}

	conn := newConnection(connID, push, cr.codec, r.URL.Path)
	conn.startup()

	cr.mu.Lock()
	cr.conns[connID] = conn
	cr.mu.Unlock()
	cr.numActive.Inc()

	if err := cr.presence.Add(presenceKey, connID); err != nil {
		log.Warnw("could not record connection presence", "connectionId", connID, "error", err)
	}
	log.Infow("connection established", "connectionId", connID, "url", conn.URL)
	return conn, nil
}

// GetConnection returns nil, false for absent or already closed ids;
// expected absence is not an error.
func (cr *ConnectionRegistry) GetConnection(connID string) (*Connection, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	conn, found := cr.conns[connID]
	return conn, found
}

func (cr *ConnectionRegistry) ConnectionIDs() []string {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	ids := make([]string, 0, len(cr.conns))
	for id := range cr.conns {
		ids = append(ids, id)
	}
	return ids
}

func (cr *ConnectionRegistry) IsLocalActive(connID string) bool {
	_, found := cr.GetConnection(connID)
	return found
}

// IsActive also consults cluster-wide presence, so it answers for
// connections held by peer instances.
func (cr *ConnectionRegistry) IsActive(connID string) (bool, error) {
	if cr.IsLocalActive(connID) {
		return true, nil
	}
	return cr.presence.Exists(presenceKey, connID)
}

func (cr *ConnectionRegistry) Disconnect(connID string) error {
	log.Debugw("disconnecting client ...", "connectionId", connID)
	cr.mu.Lock()
	conn, found := cr.conns[connID]
	if found {
		delete(cr.conns, connID)
	}
	cr.mu.Unlock()
	if !found {
		log.Warnw("could not disconnect client, connection not found", "connectionId", connID)
		return ErrConnectionNotFound
	}

	_ = conn.close()
	cr.numActive.Dec()
	if err := cr.presence.Remove(presenceKey, connID); err != nil {
		log.Warnw("could not remove connection presence", "connectionId", connID, "error", err)
	}
	for _, fn := range cr.onDisconnect {
		fn(connID)
	}
	log.Infow("connection closed", "connectionId", connID)
	return nil
}

// Send pushes one named event; fire and forget, the client acknowledges
// through the ack endpoint.
func (cr *ConnectionRegistry) Send(conn *Connection, event string, data interface{}) error {
	err := conn.send(event, data)
	if err != nil {
		_ = cr.Disconnect(conn.ID)
	}
	return err
}

func (cr *ConnectionRegistry) SendTo(connID string, event string, data interface{}) error {
	conn, found := cr.GetConnection(connID)
	if !found {
		log.Warnw("connection was not found", "connectionId", connID)
		return ErrConnectionNotFound
	}
	return cr.Send(conn, event, data)
}

func (cr *ConnectionRegistry) Broadcast(event string, data interface{}) {
	for _, id := range cr.ConnectionIDs() {
		if err := cr.SendTo(id, event, data); err != nil && !errors.Is(err, ErrConnectionNotFound) {
			log.Errorw("broadcast delivery failed", "connectionId", id, "error", err)
		}
	}
}

func (cr *ConnectionRegistry) Ack(conn *Connection, seq uint64) {
	conn.ack(seq)
	log.Debugw("ack recorded", "connectionId", conn.ID, "seq", seq)
}

// Ping records a liveness round trip and returns the delivery latency.
func (cr *ConnectionRegistry) Ping(conn *Connection) time.Duration {
	latency, _ := conn.recordPing(time.Now())
	return latency
}

func (cr *ConnectionRegistry) Redirect(conn *Connection, url string, reason string) error {
	return cr.Send(conn, "redirect", map[string]interface{}{"url": url, "reason": reason})
}

func (cr *ConnectionRegistry) Reload(conn *Connection, reason string) error {
	return cr.Send(conn, "reload", map[string]interface{}{"reason": reason})
}

// ReportState stores a client-reported state blob for diagnostics. Reports
// are only surfaced in the logs past the configured request-volume bound.
func (cr *ConnectionRegistry) ReportState(conn *Connection, state *StateReport) {
	conn.reportState(state)
	if cr.cfg.StateLogThreshold > 0 && state.Requests >= cr.cfg.StateLogThreshold {
		log.Warnw("client reported high request volume",
			"connectionId", conn.ID, "sessionId", conn.SessionID(), "requests", state.Requests)
	}
}

func (cr *ConnectionRegistry) pingLoop() {
	ticker := time.NewTicker(cr.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cr.doneCh:
			return
		case <-ticker.C:
			cr.pingAll()
		}
	}
}

func (cr *ConnectionRegistry) pingAll() {
	cr.mu.Lock()
	conns := make([]*Connection, 0, len(cr.conns))
	for _, c := range cr.conns {
		conns = append(conns, c)
	}
	cr.mu.Unlock()

	for _, conn := range conns {
		_, stalled := conn.recordPing(time.Now())
		if stalled > cr.cfg.StalledPingLimit {
			log.Warnw("client stalled, forcing disconnect",
				"connectionId", conn.ID, "missedPings", stalled)
			_ = cr.Disconnect(conn.ID)
			continue
		}
		if err := cr.Send(conn, "ping", nil); err != nil {
			log.Debugw("ping delivery failed", "connectionId", conn.ID, "error", err)
		}
	}
}
