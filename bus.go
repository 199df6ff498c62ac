package porygon

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/atomic"
)

const (
	busReservedName  = "bus"
	channelDelimiter = ":"

	serviceChannelPrefix = "channel:"
	replyChannelPrefix   = "reply:"
	streamChannelPrefix  = "stream:"

	queryEvent     = "_query"
	streamEndEvent = "_end"
)

var (
	ErrInvalidServiceName = errors.New("invalid service name")
	ErrQueryTimeout       = errors.New("query timed out")
	ErrQueryFailed        = errors.New("query failed")
)

// EventHandler receives a decoded event payload. The raw message is included
// so handlers can inspect the sender and ignore their own echo when needed.
type EventHandler func(msg *BusMessage, data interface{})

type QueryHandler func(payload interface{}) (interface{}, error)

// EventSchema maps event names to prototype values. Incoming payloads are
// decoded into a fresh copy of the prototype; payloads that do not fit are
// dropped with a warning.
type EventSchema map[string]interface{}

type ListeningService struct {
	name   string
	bus    *EventBus
	schema map[string]reflect.Type

	mu       sync.Mutex
	handlers map[string][]EventHandler
}

func (s *ListeningService) On(event string, handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

// Emit broadcasts an event on this service's channel. Every instance
// subscribed to the service receives it, the sender included.
func (s *ListeningService) Emit(event string, data interface{}) error {
	return s.bus.publish(serviceChannelPrefix+s.name, event, data)
}

func (s *ListeningService) dispatch(msg *BusMessage) {
	proto, declared := s.schema[msg.Event]
	if !declared {
		log.Warnw("undeclared event dropped", "service", s.name, "event", msg.Event)
		return
	}

	data := msg.Data
	if proto != nil {
		decoded, err := decodeStrict(msg.Data, proto)
		if err != nil {
			log.Warnw("schema violation, event dropped",
				"service", s.name, "event", msg.Event, "error", err)
			return
		}
		data = decoded
	}

	s.mu.Lock()
	handlers := s.handlers[msg.Event]
	s.mu.Unlock()
	for _, handle := range handlers {
		handle(msg, data)
	}
}

type streamListener struct {
	onValue func(interface{})
	onDone  func()
}

// EventBus layers typed pub/sub, correlated request/response and chunked
// streaming on top of a single broker endpoint. All incoming broker traffic
// is dispatched from one run loop.
type EventBus struct {
	instanceID string
	publisher  Publisher
	subscriber Subscriber
	codec      MessageCodec
	discovery  *Discovery

	mu            sync.Mutex
	services      map[string]*ListeningService
	queryHandlers map[string]QueryHandler // "<service>/<event>"
	pending       map[string]chan *QueryReply
	streams       map[string]*streamListener
	seqs          map[string]*atomic.Uint64

	queryTimeout time.Duration
	doneCh       chan struct{}
}

func NewEventBus(pub Publisher, sub Subscriber) *EventBus {
	b := &EventBus{
		instanceID:    uuid.NewString(),
		publisher:     pub,
		subscriber:    sub,
		codec:         NewDefaultCodec(),
		services:      make(map[string]*ListeningService),
		queryHandlers: make(map[string]QueryHandler),
		pending:       make(map[string]chan *QueryReply),
		streams:       make(map[string]*streamListener),
		seqs:          make(map[string]*atomic.Uint64),
		queryTimeout:  5 * time.Second,
	}
	b.discovery = newDiscovery(b.instanceID, b)
	return b
}

func (b *EventBus) InstanceID() string { return b.instanceID }

func (b *EventBus) Discovery() *Discovery { return b.discovery }

// SetQueryTimeout sets the deadline used by Query when the caller passes a
// non-positive timeout.
func (b *EventBus) SetQueryTimeout(d time.Duration) {
	if d > 0 {
		b.queryTimeout = d
	}
}

// Start subscribes the discovery channels, announces this instance and
// begins dispatching. A broker failure here is surfaced immediately.
func (b *EventBus) Start() error {
	if b.doneCh != nil {
		return errors.New("bus already started")
	}
	if err := b.subscriber.Subscribe(discoveryAnnounceChannel, discoveryWelcomeChannel); err != nil {
		return err
	}
	if err := b.discovery.announce(); err != nil {
		return err
	}
	b.doneCh = make(chan struct{})
	go b.run()
	log.Infow("event bus started", "instanceId", b.instanceID)
	return nil
}

func (b *EventBus) Shutdown() {
	if b.doneCh != nil {
		close(b.doneCh)
	}
}

func (b *EventBus) run() {
	psCh := b.subscriber.Channel()
	for {
		select {
		case <-b.doneCh:
			return
		case msg, ok := <-psCh:
			if !ok {
				return
			}
			b.dispatch(msg)
		}
	}
}

func (b *EventBus) dispatch(psMsg *PubSubMessage) {
	bm, err := decodeBusMessage(b.codec, psMsg.Data)
	if err != nil {
		log.Warnw("malformed bus message dropped", "channel", psMsg.Channel, "error", err)
		return
	}

	channel := psMsg.Channel
	switch {
	case channel == discoveryAnnounceChannel:
		var id Identity
		if err := mapstructure.Decode(bm.Data, &id); err == nil {
			b.discovery.handleAnnounce(id)
		}
	case channel == discoveryWelcomeChannel:
		var id Identity
		if err := mapstructure.Decode(bm.Data, &id); err == nil {
			b.discovery.handleWelcome(id)
		}
	case strings.HasPrefix(channel, replyChannelPrefix):
		b.handleReply(bm)
	case strings.HasPrefix(channel, streamChannelPrefix):
		b.handleStreamMessage(channel, bm)
	case strings.HasPrefix(channel, serviceChannelPrefix):
		service := strings.TrimPrefix(channel, serviceChannelPrefix)
		if bm.Event == queryEvent {
			b.handleQuery(service, bm)
			return
		}
		b.mu.Lock()
		svc, found := b.services[service]
		b.mu.Unlock()
		if found {
			svc.dispatch(bm)
		}
	default:
		log.Warnw("message from unsupported channel dropped", "channel", channel)
	}
}

// CreateListeningService opens one subscription on channel:<name> and
// returns the typed dispatcher for it. The reserved bus name and names
// containing the channel delimiter are rejected before any subscription
// is attempted.
func (b *EventBus) CreateListeningService(name string, schema EventSchema) (*ListeningService, error) {
	if err := validateServiceName(name); err != nil {
		return nil, err
	}

	types := make(map[string]reflect.Type, len(schema))
	for event, proto := range schema {
		if proto == nil {
			types[event] = nil
			continue
		}
		t := reflect.TypeOf(proto)
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		types[event] = t
	}

	b.mu.Lock()
	if svc, found := b.services[name]; found {
		b.mu.Unlock()
		return svc, nil
	}
	svc := &ListeningService{
		name:     name,
		bus:      b,
		schema:   types,
		handlers: make(map[string][]EventHandler),
	}
	b.services[name] = svc
	b.mu.Unlock()

	if err := b.subscriber.Subscribe(serviceChannelPrefix + name); err != nil {
		b.mu.Lock()
		delete(b.services, name)
		b.mu.Unlock()
		return nil, err
	}
	return svc, nil
}

// QueryListen registers the responder for <service>/<event>. The handler
// runs outside the dispatch loop, so it may itself query other services.
func (b *EventBus) QueryListen(service, event string, handler QueryHandler) error {
	if err := validateServiceName(service); err != nil {
		return err
	}
	if err := b.subscriber.Subscribe(serviceChannelPrefix + service); err != nil {
		return err
	}
	b.mu.Lock()
	b.queryHandlers[service+"/"+event] = handler
	b.mu.Unlock()
	return nil
}

// Query publishes a correlated request on the service channel and waits for
// the first matching reply. One attempt; ErrQueryTimeout after the deadline.
// A non-positive timeout falls back to the configured default.
func (b *EventBus) Query(service, event string, payload interface{}, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = b.queryTimeout
	}
	correlationID := uuid.NewString()
	replyChannel := replyChannelPrefix + correlationID

	if err := b.subscriber.Subscribe(replyChannel); err != nil {
		return nil, err
	}
	replyCh := make(chan *QueryReply, 1)
	b.mu.Lock()
	b.pending[correlationID] = replyCh
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
		b.unsubscribe(replyChannel)
	}()

	envelope := &QueryEnvelope{
		CorrelationID: correlationID,
		ReplyChannel:  replyChannel,
		Event:         event,
		Payload:       payload,
		DeadlineMs:    time.Now().Add(timeout).UnixMilli(),
	}
	if err := b.publish(serviceChannelPrefix+service, queryEvent, envelope); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrQueryFailed, reply.Error)
		}
		return reply.Value, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %s/%s after %s", ErrQueryTimeout, service, event, timeout)
	}
}

func (b *EventBus) handleQuery(service string, bm *BusMessage) {
	var envelope QueryEnvelope
	if err := mapstructure.Decode(bm.Data, &envelope); err != nil {
		log.Warnw("malformed query envelope dropped", "service", service, "error", err)
		return
	}
	b.mu.Lock()
	handler, found := b.queryHandlers[service+"/"+envelope.Event]
	b.mu.Unlock()
	if !found {
		return
	}
	if envelope.DeadlineMs > 0 && time.Now().UnixMilli() > envelope.DeadlineMs {
		log.Debugw("expired query skipped", "service", service, "event", envelope.Event)
		return
	}

	go func() {
		reply := &QueryReply{CorrelationID: envelope.CorrelationID}
		value, err := handler(envelope.Payload)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Value = value
		}
		if err := b.publish(envelope.ReplyChannel, "reply", reply); err != nil {
			log.Errorw("could not publish query reply",
				"service", service, "correlationId", envelope.CorrelationID, "error", err)
		}
	}()
}

func (b *EventBus) handleReply(bm *BusMessage) {
	var reply QueryReply
	if err := mapstructure.Decode(bm.Data, &reply); err != nil {
		log.Warnw("malformed query reply dropped", "error", err)
		return
	}
	b.mu.Lock()
	ch, found := b.pending[reply.CorrelationID]
	b.mu.Unlock()
	if !found {
		// Late reply after timeout; the query already settled.
		return
	}
	select {
	case ch <- &reply:
	default:
	}
}

// NewStreamID returns a fresh identifier for a stream channel.
func NewStreamID() string {
	return uuid.NewString()
}

// EmitStream publishes every value from the channel in order, then the
// terminal sentinel. It blocks until the values channel is closed, so
// callers producing slowly should run it in its own goroutine.
func (b *EventBus) EmitStream(stream string, values <-chan interface{}) error {
	channel := streamChannelPrefix + stream
	for v := range values {
		if err := b.publish(channel, "chunk", v); err != nil {
			return err
		}
	}
	return b.publish(channel, streamEndEvent, nil)
}

// ListenStream subscribes the stream channel and delivers chunks in arrival
// order; onDone fires once on the sentinel. The returned stop function
// abandons the stream early and releases the subscription.
func (b *EventBus) ListenStream(stream string, onValue func(interface{}), onDone func()) (func(), error) {
	channel := streamChannelPrefix + stream
	if err := b.subscriber.Subscribe(channel); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.streams[channel] = &streamListener{onValue: onValue, onDone: onDone}
	b.mu.Unlock()

	stop := func() {
		b.mu.Lock()
		delete(b.streams, channel)
		b.mu.Unlock()
		b.unsubscribe(channel)
	}
	return stop, nil
}

func (b *EventBus) handleStreamMessage(channel string, bm *BusMessage) {
	b.mu.Lock()
	listener, found := b.streams[channel]
	b.mu.Unlock()
	if !found {
		return
	}
	if bm.Event == streamEndEvent {
		b.mu.Lock()
		delete(b.streams, channel)
		b.mu.Unlock()
		b.unsubscribe(channel)
		if listener.onDone != nil {
			listener.onDone()
		}
		return
	}
	listener.onValue(bm.Data)
}

func (b *EventBus) publish(channel, event string, data interface{}) error {
	bm := &BusMessage{
		Event:  event,
		Data:   data,
		Date:   time.Now().UnixMilli(),
		ID:     b.nextSeq(channel),
		Sender: b.instanceID,
	}
	raw, err := b.codec.Encode(bm)
	if err != nil {
		return err
	}
	return b.publisher.Publish(channel, raw)
}

func (b *EventBus) nextSeq(channel string) uint64 {
	b.mu.Lock()
	counter, found := b.seqs[channel]
	if !found {
		counter = atomic.NewUint64(0)
		b.seqs[channel] = counter
	}
	b.mu.Unlock()
	return counter.Inc()
}

type channelUnsubscriber interface {
	Unsubscribe(channels ...string) error
}

func (b *EventBus) unsubscribe(channels ...string) {
	if u, ok := b.subscriber.(channelUnsubscriber); ok {
		_ = u.Unsubscribe(channels...)
	}
}

func validateServiceName(name string) error {
	if name == "" || name == busReservedName {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidServiceName, name)
	}
	if strings.Contains(name, channelDelimiter) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidServiceName, name, channelDelimiter)
	}
	return nil
}

func decodeBusMessage(codec MessageCodec, data interface{}) (*BusMessage, error) {
	var bm BusMessage
	switch raw := data.(type) {
	case []byte:
		if err := codec.Decode(raw, &bm); err != nil {
			return nil, err
		}
	case string:
		if err := codec.Decode([]byte(raw), &bm); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported payload type %T", data)
	}
	return &bm, nil
}

func decodeStrict(data interface{}, t reflect.Type) (interface{}, error) {
	out := reflect.New(t).Interface()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(data); err != nil {
		return nil, err
	}
	return out, nil
}
