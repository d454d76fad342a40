package hub

import (
	"strconv"
	"sync"

	"github.com/abdul-hamid-achik/testhub/packages/bus"
	"github.com/abdul-hamid-achik/testhub/packages/codec"
	"github.com/abdul-hamid-achik/testhub/packages/core/registry"
	"github.com/abdul-hamid-achik/testhub/packages/core/results"
	"github.com/abdul-hamid-achik/testhub/packages/core/session"
	"github.com/abdul-hamid-achik/testhub/packages/sse"
	"github.com/rs/zerolog"
)

// Event types sent on /api/events.
const (
	EventRunner      = "runner"
	EventRunnerLeft  = "runner-left"
	EventResult      = "result"
	EventRunStarted  = "run-started"
	EventRunFinished = "run-finished"
)

// RunEvent is the payload of run-started and run-finished events.
type RunEvent struct {
	ID      string           `json:"id"`
	Aborted bool             `json:"aborted,omitempty"`
	Summary *results.Summary `json:"summary,omitempty"`
}

// feed fans hub activity out to live event stream subscribers. Publishing
// only pushes onto per-subscriber queues, so it is safe on the loop.
type feed struct {
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[uint64]*bus.Queue[sse.Event]
	nextID uint64
	seq    uint64
	closed bool
}

func newFeed(l zerolog.Logger) *feed {
	return &feed{logger: l, subs: make(map[uint64]*bus.Queue[sse.Event])}
}

// subscribe returns a queue of events and a function that releases it. The
// queue is closed when the feed closes.
func (f *feed) subscribe() (*bus.Queue[sse.Event], func()) {
	q := bus.NewQueue[sse.Event]()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		q.Close()
		return q, func() {}
	}
	f.nextID++
	id := f.nextID
	f.subs[id] = q

	return q, func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		q.Close()
	}
}

func (f *feed) publish(typ string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(f.subs) == 0 {
		return
	}
	data, err := codec.Encode(payload)
	if err != nil {
		f.logger.Warn().Err(err).Str("event", typ).Msg("event not encodable")
		return
	}
	f.seq++
	ev := sse.Event{ID: strconv.FormatUint(f.seq, 10), Type: typ, Data: data}
	for _, q := range f.subs {
		q.Push(ev)
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, q := range f.subs {
		q.Close()
		delete(f.subs, id)
	}
}

// subscribeFeed mirrors runner lifecycle onto the feed.
func (h *Hub) subscribeFeed() {
	h.bus.Subscribe(registry.TopicRunnerJoined, func(m bus.Message) {
		h.feed.publish(EventRunner, m.Payload.(registry.RunnerEvent).Session.Info())
	})
	h.bus.Subscribe(registry.TopicRunnerState, func(m bus.Message) {
		h.feed.publish(EventRunner, m.Payload.(registry.StateEvent).Session.Info())
	})
	h.bus.Subscribe(registry.TopicRunnerLeft, func(m bus.Message) {
		h.feed.publish(EventRunnerLeft, m.Payload.(registry.RunnerEvent).Session.Info())
	})
}

func runnerSnapshot(info session.Info) sse.Event {
	data, _ := codec.Encode(info)
	return sse.Event{Type: EventRunner, Data: data}
}
