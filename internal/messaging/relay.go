package messaging

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tripmate/realtime/internal/metrics"
)

// Relay subjects. Room and user subjects carry the room name or user ID as
// their last token, e.g. rt.room.3-7 or rt.user.7.
const (
	SubjectRoom      = "rt.room"
	SubjectUser      = "rt.user"
	SubjectBroadcast = "rt.broadcast"
)

// Bus is the pub/sub transport under a Relay. NATSClient implements it.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) error
	Unsubscribe(subject string) error
}

// Deliverer writes relayed frames to local connections only.
type Deliverer interface {
	DeliverRoom(room string, data []byte)
	DeliverUser(userID int64, data []byte)
	DeliverBroadcast(data []byte)
}

// Event is the relay wire format: a server frame tagged with the node that
// published it.
type Event struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Relay mirrors a node's fan-out to the other nodes and delivers theirs.
type Relay struct {
	bus    Bus
	origin string
}

// NewRelay creates a Relay publishing as origin, which must be unique per
// node (the server name).
func NewRelay(bus Bus, origin string) *Relay {
	return &Relay{bus: bus, origin: origin}
}

// PublishRoom relays a frame addressed to a room.
func (r *Relay) PublishRoom(room string, data []byte) error {
	return r.publish(SubjectRoom+"."+room, data)
}

// PublishUser relays a frame addressed to a user.
func (r *Relay) PublishUser(userID int64, data []byte) error {
	return r.publish(SubjectUser+"."+strconv.FormatInt(userID, 10), data)
}

// PublishBroadcast relays a frame addressed to every connection.
func (r *Relay) PublishBroadcast(data []byte) error {
	return r.publish(SubjectBroadcast, data)
}

func (r *Relay) publish(subject string, frame []byte) error {
	data, err := json.Marshal(Event{Origin: r.origin, Frame: frame})
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", subject, err)
	}
	if err := r.bus.Publish(subject, data); err != nil {
		return fmt.Errorf("relay: publish %s: %w", subject, err)
	}
	return nil
}

var relaySubjects = []string{SubjectRoom + ".*", SubjectUser + ".*", SubjectBroadcast}

// Start subscribes to the relay subjects and hands frames from other nodes
// to d. A failed subscription undoes the ones before it.
func (r *Relay) Start(d Deliverer) error {
	handler := func(subject string, data []byte) { r.handle(d, subject, data) }

	for i, subject := range relaySubjects {
		if err := r.bus.Subscribe(subject, handler); err != nil {
			for _, done := range relaySubjects[:i] {
				_ = r.bus.Unsubscribe(done)
			}
			return fmt.Errorf("relay: %w", err)
		}
	}
	log.Info().Str("origin", r.origin).Msg("relay started")
	return nil
}

// Stop unsubscribes from the relay subjects so no more frames from other
// nodes are delivered. Publishing keeps working until the bus is closed.
func (r *Relay) Stop() error {
	var firstErr error
	for _, subject := range relaySubjects {
		if err := r.bus.Unsubscribe(subject); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("relay: %w", err)
		}
	}
	log.Info().Str("origin", r.origin).Msg("relay stopped")
	return firstErr
}

func (r *Relay) handle(d Deliverer, subject string, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		metrics.RelayEvents.WithLabelValues("dropped").Inc()
		log.Warn().Err(err).Str("subject", subject).Msg("bad relay event")
		return
	}
	if ev.Origin == r.origin {
		return
	}

	switch {
	case subject == SubjectBroadcast:
		d.DeliverBroadcast(ev.Frame)
	case strings.HasPrefix(subject, SubjectRoom+"."):
		d.DeliverRoom(strings.TrimPrefix(subject, SubjectRoom+"."), ev.Frame)
	case strings.HasPrefix(subject, SubjectUser+"."):
		userID, err := strconv.ParseInt(strings.TrimPrefix(subject, SubjectUser+"."), 10, 64)
		if err != nil {
			metrics.RelayEvents.WithLabelValues("dropped").Inc()
			log.Warn().Str("subject", subject).Msg("bad user subject")
			return
		}
		d.DeliverUser(userID, ev.Frame)
	default:
		metrics.RelayEvents.WithLabelValues("dropped").Inc()
	}
}
