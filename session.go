package porygon

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotSessionOwner = errors.New("not session owner")
)

// Session groups member connections under one controlling owner connection
// for a bounded lifetime. Expiry is absolute from creation; activity does
// not extend it.
type Session struct {
	ID        string
	ownerID   string
	members   map[string]struct{}
	createdAt time.Time
	lifetime  time.Duration
	timer     *time.Timer
}

func (s *Session) Members() []string {
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	return out
}

type SessionManager struct {
	registry *ConnectionRegistry

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager(registry *ConnectionRegistry) *SessionManager {
	sm := &SessionManager{
		registry: registry,
		sessions: make(map[string]*Session),
	}
	registry.OnDisconnect(sm.dropConnection)
	return sm
}

// Create registers a new session owned by an existing connection and arms
// its one-shot expiry timer.
func (sm *SessionManager) Create(ownerConnID string, members []string, lifetime time.Duration) (*Session, error) {
	if !sm.registry.IsLocalActive(ownerConnID) {
		return nil, ErrConnectionNotFound
	}

	session := &Session{
		ID:        uuid.NewString(),
		ownerID:   ownerConnID,
		members:   make(map[string]struct{}, len(members)),
		createdAt: time.Now(),
		lifetime:  lifetime,
	}
	for _, m := range members {
		session.members[m] = struct{}{}
	}

	sm.mu.Lock()
	sm.sessions[session.ID] = session
	sm.mu.Unlock()

	if conn, found := sm.registry.GetConnection(ownerConnID); found {
		conn.setSessionID(session.ID)
	}

	session.timer = time.AfterFunc(lifetime, func() {
		sm.expire(session.ID)
	})
	log.Infow("session created",
		"sessionId", session.ID, "owner", ownerConnID, "members", len(members), "lifetime", lifetime)
	return session, nil
}

// Send pushes an event to every member connection. Only the owner may send;
// members that went away are skipped.
func (sm *SessionManager) Send(sessionID, callerConnID, event string, data interface{}) error {
	session, err := sm.authorized(sessionID, callerConnID)
	if err != nil {
		return err
	}
	for _, member := range session.Members() {
		if err := sm.registry.SendTo(member, event, data); err != nil {
			if errors.Is(err, ErrConnectionNotFound) {
				log.Debugw("session member gone, skipping", "sessionId", sessionID, "member", member)
				continue
			}
			return err
		}
	}
	return nil
}

func (sm *SessionManager) IsOwner(sessionID, connID string) (bool, error) {
	sm.mu.Lock()
	session, found := sm.sessions[sessionID]
	sm.mu.Unlock()
	if !found {
		return false, ErrSessionNotFound
	}
	return session.ownerID == connID, nil
}

// Close tears down the session and its membership set. Member connections
// themselves stay open.
func (sm *SessionManager) Close(sessionID, callerConnID string) error {
	session, err := sm.authorized(sessionID, callerConnID)
	if err != nil {
		return err
	}
	session.timer.Stop()
	sm.mu.Lock()
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()
	sm.clearOwner(session)
	log.Infow("session closed", "sessionId", sessionID)
	return nil
}

func (sm *SessionManager) authorized(sessionID, callerConnID string) (*Session, error) {
	sm.mu.Lock()
	session, found := sm.sessions[sessionID]
	sm.mu.Unlock()
	if !found {
		return nil, ErrSessionNotFound
	}
	if session.ownerID != callerConnID {
		return nil, ErrNotSessionOwner
	}
	return session, nil
}

func (sm *SessionManager) expire(sessionID string) {
	sm.mu.Lock()
	session, found := sm.sessions[sessionID]
	if found {
		delete(sm.sessions, sessionID)
	}
	sm.mu.Unlock()
	if !found {
		return
	}
	sm.clearOwner(session)
	log.Infow("session expired", "sessionId", sessionID)
}

// dropConnection tears down every session the connection owned. Sessions
// the connection merely belonged to stay up; sends skip gone members.
func (sm *SessionManager) dropConnection(connID string) {
	sm.mu.Lock()
	var owned []*Session
	for id, session := range sm.sessions {
		if session.ownerID == connID {
			owned = append(owned, session)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()
	for _, session := range owned {
		if session.timer != nil {
			session.timer.Stop()
		}
		log.Infow("owner gone, session closed", "sessionId", session.ID, "owner", connID)
	}
}

func (sm *SessionManager) clearOwner(session *Session) {
	if conn, found := sm.registry.GetConnection(session.ownerID); found && conn.SessionID() == session.ID {
		conn.setSessionID("")
	}
}
