package engine

import (
	"sync"

	"github.com/seantiz/procq/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// AllTopic receives every event published for any process. It is never closed.
const AllTopic = "*"

// Broker fans engine events out to subscribers, per process and globally.
// It is safe for concurrent use.
//
// A process topic exists only while it has subscribers. Close ends every
// current subscription and forgets the topic, so memory is bounded by open
// streams rather than by processes ever run. Callers that subscribe after a
// process may have finished must check its journal status afterwards.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan model.Event
	nextID int
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives events for the given topic (a
// process ID or AllTopic) and an unsubscribe function.
func (b *Broker) Subscribe(topic string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.Event)}
		b.topics[topic] = t
	}

	ch := make(chan model.Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 && b.topics[topic] == t {
			delete(b.topics, topic)
		}
	}
}

// Publish delivers e to subscribers of e.ProcessID and of AllTopic.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(e model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deliverLocked(e.ProcessID, e)
	b.deliverLocked(AllTopic, e)
}

func (b *Broker) deliverLocked(topic string, e model.Event) {
	t, ok := b.topics[topic]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close signals that no more events will be published for the given process.
// All subscriber channels are closed and the topic is dropped. Closing
// AllTopic is ignored.
func (b *Broker) Close(processID string) {
	if processID == AllTopic {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[processID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, processID)
}

// topicCount reports how many topics are retained.
func (b *Broker) topicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
