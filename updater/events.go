package updater

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

const (
	eventQueueSize    = 10
	streamBufferSize  = 10
	replayBufferSlack = 1
)

const (
	// EventPromptShown signals that an update offer became visible (the
	// dialog-show moment).
	EventPromptShown EventType = iota
	// EventDismissed signals an advisory dismissal.
	EventDismissed
	// EventFailure signals a transition into the Failed phase.
	EventFailure
	// EventCompleted signals a finished update.
	EventCompleted
)

// EventType names a one-shot engine notification.
type EventType int

func (t EventType) String() string {
	switch t {
	case EventPromptShown:
		return "PromptShown"
	case EventDismissed:
		return "Dismissed"
	case EventFailure:
		return "Failure"
	case EventCompleted:
		return "Completed"
	default:
		log.Errorf("unknown event type: %d", t)
		return "INVALID_EVENT_TYPE"
	}
}

// Event is a one-shot notification. Unlike State it is delivered at most
// once per occurrence and never replayed to late subscribers.
type Event struct {
	ID        string
	Type      EventType
	Message   string
	Reason    Reason
	Timestamp time.Time
}

// StateSubscription delivers State snapshots. The current state is delivered
// immediately on subscription (replay-latest), later transitions as they
// happen.
type StateSubscription struct {
	id     string
	states chan State
}

// States returns the snapshot channel. Closed on unsubscribe.
func (s *StateSubscription) States() <-chan State {
	return s.states
}

// EventSubscription delivers one-shot events.
type EventSubscription struct {
	id     string
	events chan *Event
}

// Events returns the event channel. Closed on unsubscribe.
func (s *EventSubscription) Events() <-chan *Event {
	return s.events
}

// notifier fans state snapshots and one-shot events out to subscribers.
// Sends never block: a subscriber that stops draining loses intermediate
// snapshots, not the notifier.
type notifier struct {
	mux          sync.Mutex
	current      State
	stateStreams map[string]chan State
	eventStreams map[string]chan *Event
	eventQueue   *eventQueue
}

func newNotifier() *notifier {
	return &notifier{
		stateStreams: make(map[string]chan State),
		eventStreams: make(map[string]chan *Event),
		eventQueue:   newEventQueue(eventQueueSize),
	}
}

func (n *notifier) publishState(state State) {
	n.mux.Lock()
	defer n.mux.Unlock()

	n.current = state
	for _, stream := range n.stateStreams {
		select {
		case stream <- state:
		default:
			log.Debugf("state stream buffer full, skipping snapshot: %v", state.Phase)
		}
	}
}

// publishEvent queues the event and distributes it to all subscribers.
func (n *notifier) publishEvent(eventType EventType, msg string, reason Reason) {
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Message:   msg,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	n.mux.Lock()
	defer n.mux.Unlock()

	n.eventQueue.add(event)

	for _, stream := range n.eventStreams {
		select {
		case stream <- event:
		default:
			log.Debugf("event stream buffer full, skipping event: %v", event.Type)
		}
	}

	log.Debugf("event published: %s (%s)", event.Type, event.Message)
}

// subscribeStates returns a new state subscription carrying the current
// state as its first delivery.
func (n *notifier) subscribeStates() *StateSubscription {
	n.mux.Lock()
	defer n.mux.Unlock()

	id := uuid.New().String()
	stream := make(chan State, streamBufferSize+replayBufferSlack)
	stream <- n.current
	n.stateStreams[id] = stream

	return &StateSubscription{
		id:     id,
		states: stream,
	}
}

func (n *notifier) unsubscribeStates(sub *StateSubscription) {
	if sub == nil {
		return
	}

	n.mux.Lock()
	defer n.mux.Unlock()

	if stream, exists := n.stateStreams[sub.id]; exists {
		close(stream)
		delete(n.stateStreams, sub.id)
	}
}

// subscribeEvents returns a new event subscription. Past events are not
// replayed.
func (n *notifier) subscribeEvents() *EventSubscription {
	n.mux.Lock()
	defer n.mux.Unlock()

	id := uuid.New().String()
	stream := make(chan *Event, streamBufferSize)
	n.eventStreams[id] = stream

	return &EventSubscription{
		id:     id,
		events: stream,
	}
}

func (n *notifier) unsubscribeEvents(sub *EventSubscription) {
	if sub == nil {
		return
	}

	n.mux.Lock()
	defer n.mux.Unlock()

	if stream, exists := n.eventStreams[sub.id]; exists {
		close(stream)
		delete(n.eventStreams, sub.id)
	}
}

func (n *notifier) eventHistory() []*Event {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.eventQueue.getAll()
}

// closeAll drops every subscriber, closing their channels.
func (n *notifier) closeAll() {
	n.mux.Lock()
	defer n.mux.Unlock()

	for _, id := range maps.Keys(n.stateStreams) {
		close(n.stateStreams[id])
		delete(n.stateStreams, id)
	}
	for _, id := range maps.Keys(n.eventStreams) {
		close(n.eventStreams[id])
		delete(n.eventStreams, id)
	}
}

// eventQueue keeps the most recent events for diagnostics. It is not a
// delivery mechanism: subscribers never receive queued events.
type eventQueue struct {
	maxSize int
	events  []*Event
	mutex   sync.RWMutex
}

func newEventQueue(size int) *eventQueue {
	return &eventQueue{
		maxSize: size,
		events:  make([]*Event, 0, size),
	}
}

func (q *eventQueue) add(event *Event) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.events = append(q.events, event)

	if len(q.events) > q.maxSize {
		q.events = q.events[len(q.events)-q.maxSize:]
	}
}

func (q *eventQueue) getAll() []*Event {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	return slices.Clone(q.events)
}
