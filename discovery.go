package porygon

import (
	"sync"
	"time"
)

const (
	discoveryAnnounceChannel = "discovery:i_am"
	discoveryWelcomeChannel  = "discovery:welcome"
)

// Discovery learns the set of peer instances with no static configuration:
// every instance announces itself on discovery:i_am and acknowledges other
// instances' announcements on discovery:welcome. Both directions record the
// sender, so the exchange converges in one round trip regardless of startup
// order. Peer entries are soft state; they are never evicted here.
type Discovery struct {
	instanceID string
	bus        *EventBus

	mu    sync.Mutex
	peers map[string]time.Time
}

func newDiscovery(instanceID string, bus *EventBus) *Discovery {
	return &Discovery{
		instanceID: instanceID,
		bus:        bus,
		peers:      make(map[string]time.Time),
	}
}

func (d *Discovery) announce() error {
	return d.bus.publish(discoveryAnnounceChannel, "i_am", Identity{InstanceID: d.instanceID})
}

func (d *Discovery) handleAnnounce(id Identity) {
	if id.InstanceID == d.instanceID {
		return
	}
	d.record(id.InstanceID)
	log.Infow("peer discovered", "peer", id.InstanceID)
	if err := d.bus.publish(discoveryWelcomeChannel, "welcome", Identity{InstanceID: d.instanceID}); err != nil {
		log.Errorw("could not publish welcome", "peer", id.InstanceID, "error", err)
	}
}

func (d *Discovery) handleWelcome(id Identity) {
	if id.InstanceID == d.instanceID {
		return
	}
	d.record(id.InstanceID)
}

func (d *Discovery) record(instanceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[instanceID] = time.Now()
}

// Peers returns a snapshot of known peers with their last-seen times.
func (d *Discovery) Peers() map[string]time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]time.Time, len(d.peers))
	for k, v := range d.peers {
		out[k] = v
	}
	return out
}
