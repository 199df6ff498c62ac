package porygon

import "sync"

type PubSubMessage struct {
	Channel string
	Data    interface{}
}

type Publisher interface {
	Publish(channel string, data interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(channels ...string) error
	Channel() <-chan *PubSubMessage
	Close() error
}

// MemoryBroker is an in-process broker for development and tests. Each
// Connect returns an endpoint usable as both Publisher and Subscriber;
// publishing fans out to every endpoint subscribed to the channel, in
// publish order.
type MemoryBroker struct {
	mu        sync.Mutex
	endpoints []*MemoryPubSub
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Connect() *MemoryPubSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep := &MemoryPubSub{
		broker:   b,
		channels: make(map[string]struct{}),
		ch:       make(chan *PubSubMessage, 1024),
	}
	b.endpoints = append(b.endpoints, ep)
	return ep
}

func (b *MemoryBroker) publish(msg *PubSubMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ep := range b.endpoints {
		if ep.closed {
			continue
		}
		if _, found := ep.channels[msg.Channel]; found {
			ep.ch <- msg
		}
	}
}

type MemoryPubSub struct {
	broker   *MemoryBroker
	channels map[string]struct{}
	ch       chan *PubSubMessage
	closed   bool
}

func (m *MemoryPubSub) Subscribe(channels ...string) error {
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	for _, ch := range channels {
		m.channels[ch] = struct{}{}
	}
	return nil
}

func (m *MemoryPubSub) Unsubscribe(channels ...string) error {
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	for _, ch := range channels {
		delete(m.channels, ch)
	}
	return nil
}

func (m *MemoryPubSub) Channel() <-chan *PubSubMessage {
	return m.ch
}

func (m *MemoryPubSub) Publish(channel string, data interface{}) error {
	log.Debugw("message published", "channel", channel)
	m.broker.publish(&PubSubMessage{Channel: channel, Data: data})
	return nil
}

func (m *MemoryPubSub) Close() error {
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}
