package porygon

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrNotPermitted   = errors.New("action not permitted")
)

// Record is one persisted struct row as seen through the storage boundary.
type Record struct {
	ID         string                 `json:"id"`
	Attributes map[string]interface{} `json:"attributes"`
	Archived   bool                   `json:"archived"`
}

// StructStore is the external storage collaborator. Absence is reported
// with a found flag, not an error, so callers can branch on it.
type StructStore interface {
	Create(structName, id string, attrs map[string]interface{}) (*Record, error)
	Get(structName, id string) (*Record, bool, error)
	SetAttributes(structName, id string, attrs map[string]interface{}) (*Record, bool, error)
	SetArchived(structName, id string, archived bool) (*Record, bool, error)
	Delete(structName, id string) (bool, error)
	Clear(structName string) ([]string, error)
}

// MemoryStructStore for development purpose
type MemoryStructStore struct {
	mu      sync.Mutex
	structs map[string]map[string]*Record
}

func NewMemoryStructStore() *MemoryStructStore {
	return &MemoryStructStore{structs: make(map[string]map[string]*Record)}
}

func (m *MemoryStructStore) table(structName string) map[string]*Record {
	t, found := m.structs[structName]
	if !found {
		t = make(map[string]*Record)
		m.structs[structName] = t
	}
	return t
}

func (m *MemoryStructStore) Create(structName, id string, attrs map[string]interface{}) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(structName)
	if _, found := t[id]; found {
		return nil, fmt.Errorf("record %s/%s already exists", structName, id)
	}
	rec := &Record{ID: id, Attributes: copyAttrs(attrs)}
	t[id] = rec
	return rec, nil
}

func (m *MemoryStructStore) Get(structName, id string) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, found := m.table(structName)[id]
	return rec, found, nil
}

func (m *MemoryStructStore) SetAttributes(structName, id string, attrs map[string]interface{}) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, found := m.table(structName)[id]
	if !found {
		return nil, false, nil
	}
	for k, v := range attrs {
		rec.Attributes[k] = v
	}
	return rec, true, nil
}

func (m *MemoryStructStore) SetArchived(structName, id string, archived bool) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, found := m.table(structName)[id]
	if !found {
		return nil, false, nil
	}
	rec.Archived = archived
	return rec, true, nil
}

func (m *MemoryStructStore) Delete(structName, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(structName)
	if _, found := t[id]; !found {
		return false, nil
	}
	delete(t, id)
	return true, nil
}

func (m *MemoryStructStore) Clear(structName string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(structName)
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	m.structs[structName] = make(map[string]*Record)
	return ids, nil
}

func copyAttrs(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// StructService implements the struct action endpoints: every mutation
// checks the actor's capability, writes a structured success log and
// publishes the resulting event through the distributor.
type StructService struct {
	store  StructStore
	dist   *Distributor
	filter PermissionFilter
}

func NewStructService(store StructStore, dist *Distributor, filter PermissionFilter) *StructService {
	return &StructService{store: store, dist: dist, filter: filter}
}

func (s *StructService) authorize(actor, structName, action string) error {
	allowed, err := s.filter.CanWrite(actor, structName, action)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %s may not %s %s", ErrNotPermitted, actor, action, structName)
	}
	return nil
}

func (s *StructService) publish(structName, action string, rec *Record) {
	ev := &StructEvent{Struct: structName, Action: action, DataID: rec.ID, Payload: rec}
	if err := s.dist.Publish(ev); err != nil {
		log.Errorw("could not publish struct event", "struct", structName, "action", action, "error", err)
	}
}

func (s *StructService) Create(actor, structName, id string, attrs map[string]interface{}) (*Record, error) {
	if err := s.authorize(actor, structName, ActionCreate); err != nil {
		return nil, err
	}
	rec, err := s.store.Create(structName, id, attrs)
	if err != nil {
		return nil, err
	}
	log.Infow("struct created", "actor", actor, "struct", structName, "dataId", id)
	s.publish(structName, ActionCreate, rec)
	return rec, nil
}

func (s *StructService) SetAttributes(actor, structName, id string, attrs map[string]interface{}) (*Record, error) {
	if err := s.authorize(actor, structName, ActionUpdate); err != nil {
		return nil, err
	}
	rec, found, err := s.store.SetAttributes(structName, id, attrs)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRecordNotFound
	}
	log.Infow("struct attributes set", "actor", actor, "struct", structName, "dataId", id)
	s.publish(structName, ActionUpdate, rec)
	return rec, nil
}

func (s *StructService) Archive(actor, structName, id string) (*Record, error) {
	return s.setArchived(actor, structName, id, true, ActionArchive)
}

func (s *StructService) RestoreArchive(actor, structName, id string) (*Record, error) {
	return s.setArchived(actor, structName, id, false, ActionRestore)
}

func (s *StructService) setArchived(actor, structName, id string, archived bool, action string) (*Record, error) {
	if err := s.authorize(actor, structName, action); err != nil {
		return nil, err
	}
	rec, found, err := s.store.SetArchived(structName, id, archived)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRecordNotFound
	}
	log.Infow("struct archive state changed",
		"actor", actor, "struct", structName, "dataId", id, "archived", archived)
	s.publish(structName, action, rec)
	return rec, nil
}

func (s *StructService) Delete(actor, structName, id string) error {
	if err := s.authorize(actor, structName, ActionDelete); err != nil {
		return err
	}
	found, err := s.store.Delete(structName, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrRecordNotFound
	}
	log.Infow("struct deleted", "actor", actor, "struct", structName, "dataId", id)
	s.publish(structName, ActionDelete, &Record{ID: id})
	return nil
}

// Clear removes every record of a struct and publishes one delete event
// per removed record.
func (s *StructService) Clear(actor, structName string) (int, error) {
	if err := s.authorize(actor, structName, ActionDelete); err != nil {
		return 0, err
	}
	ids, err := s.store.Clear(structName)
	if err != nil {
		return 0, err
	}
	log.Infow("struct cleared", "actor", actor, "struct", structName, "removed", len(ids))
	for _, id := range ids {
		s.publish(structName, ActionDelete, &Record{ID: id})
	}
	return len(ids), nil
}

// ApplyBatch expands a client batch into per-item operations. Item failures
// are reported in place; the batch never aborts early, and results keep the
// input order.
func (s *StructService) ApplyBatch(actor string, updates []BatchUpdate) []BatchResult {
	results := make([]BatchResult, 0, len(updates))
	for _, u := range updates {
		results = append(results, s.applyOne(actor, u))
	}
	return results
}

func (s *StructService) applyOne(actor string, u BatchUpdate) BatchResult {
	attrs, _ := u.Data.(map[string]interface{})
	recordID := u.ID
	if id, ok := attrs["id"].(string); ok && id != "" {
		recordID = id
	}

	var (
		rec *Record
		err error
	)
	switch u.Type {
	case ActionCreate:
		rec, err = s.Create(actor, u.Struct, recordID, attrs)
	case ActionUpdate:
		rec, err = s.SetAttributes(actor, u.Struct, recordID, attrs)
	case ActionDelete:
		err = s.Delete(actor, u.Struct, recordID)
	case ActionArchive:
		rec, err = s.Archive(actor, u.Struct, recordID)
	case ActionRestore:
		rec, err = s.RestoreArchive(actor, u.Struct, recordID)
	default:
		err = fmt.Errorf("unsupported batch update type %q", u.Type)
	}

	if err != nil {
		return BatchResult{Success: false, Message: err.Error(), ID: u.ID}
	}
	result := BatchResult{Success: true, ID: u.ID}
	if rec != nil {
		result.Data = rec
	}
	return result
}
