package porygon

import "sync"

var structActions = []string{ActionCreate, ActionUpdate, ActionDelete, ActionArchive, ActionRestore}

// PermissionFilter is the external capability boundary. CanRead gates event
// delivery per viewer; CanWrite gates struct mutations per actor.
type PermissionFilter interface {
	CanRead(accountID, structName string, event *StructEvent) (bool, error)
	CanWrite(accountID, structName, action string) (bool, error)
}

// AllowAllFilter for development purpose
type AllowAllFilter struct{}

func (AllowAllFilter) CanRead(string, string, *StructEvent) (bool, error) { return true, nil }
func (AllowAllFilter) CanWrite(string, string, string) (bool, error)      { return true, nil }

// Distributor fans struct mutation events out to subscribed local
// connections, across instances via the bus. Each struct gets its own bus
// service, so ordering holds per struct but not across structs.
type Distributor struct {
	bus      *EventBus
	registry *ConnectionRegistry
	filter   PermissionFilter

	mu       sync.Mutex
	services map[string]*ListeningService
	subs     map[string]map[string]string // struct -> connection id -> account id
}

func NewDistributor(bus *EventBus, registry *ConnectionRegistry, filter PermissionFilter) *Distributor {
	d := &Distributor{
		bus:      bus,
		registry: registry,
		filter:   filter,
		services: make(map[string]*ListeningService),
		subs:     make(map[string]map[string]string),
	}
	registry.OnDisconnect(d.DropConnection)
	return d
}

// RegisterStruct opens the bus service for one struct name. Idempotent.
func (d *Distributor) RegisterStruct(name string) error {
	d.mu.Lock()
	if _, found := d.services[name]; found {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	schema := EventSchema{}
	for _, action := range structActions {
		schema[action] = StructEvent{}
	}
	svc, err := d.bus.CreateListeningService("struct."+name, schema)
	if err != nil {
		return err
	}
	for _, action := range structActions {
		svc.On(action, d.deliver)
	}

	d.mu.Lock()
	d.services[name] = svc
	d.mu.Unlock()
	return nil
}

// Subscribe registers a local connection's interest in one struct, viewed
// as the given account.
func (d *Distributor) Subscribe(structName, connID, accountID string) error {
	if err := d.RegisterStruct(structName); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	viewers, found := d.subs[structName]
	if !found {
		viewers = make(map[string]string)
		d.subs[structName] = viewers
	}
	viewers[connID] = accountID
	return nil
}

func (d *Distributor) Unsubscribe(structName, connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if viewers, found := d.subs[structName]; found {
		delete(viewers, connID)
	}
}

func (d *Distributor) DropConnection(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, viewers := range d.subs {
		delete(viewers, connID)
	}
}

// Publish broadcasts a completed local mutation to every instance,
// this one included; delivery to local connections happens on receipt.
func (d *Distributor) Publish(ev *StructEvent) error {
	if err := d.RegisterStruct(ev.Struct); err != nil {
		return err
	}
	d.mu.Lock()
	svc := d.services[ev.Struct]
	d.mu.Unlock()
	return svc.Emit(ev.Action, ev)
}

func (d *Distributor) deliver(msg *BusMessage, data interface{}) {
	ev, ok := data.(*StructEvent)
	if !ok {
		return
	}

	d.mu.Lock()
	viewers := make(map[string]string, len(d.subs[ev.Struct]))
	for connID, accountID := range d.subs[ev.Struct] {
		viewers[connID] = accountID
	}
	d.mu.Unlock()
	if len(viewers) == 0 {
		return
	}

	for connID, accountID := range viewers {
		allowed, err := d.filter.CanRead(accountID, ev.Struct, ev)
		if err != nil {
			// One viewer's filter failure never affects the others.
			log.Errorw("permission filter error, event dropped for connection",
				"connectionId", connID, "struct", ev.Struct, "error", err)
			continue
		}
		if !allowed {
			continue
		}
		if err := d.registry.SendTo(connID, "struct:"+ev.Action, ev); err != nil {
			log.Debugw("struct event delivery failed",
				"connectionId", connID, "struct", ev.Struct, "error", err)
		}
	}
}
