package hub

import (
	"errors"
	"fmt"

	"github.com/abdul-hamid-achik/testhub/packages/bus"
	"github.com/abdul-hamid-achik/testhub/packages/console"
	"github.com/abdul-hamid-achik/testhub/packages/core/registry"
	"github.com/abdul-hamid-achik/testhub/packages/core/results"
	"github.com/abdul-hamid-achik/testhub/packages/core/session"
)

// subscribe wires registry notifications to the current run. Every handler
// runs on the loop because the registry only publishes from there.
func (h *Hub) subscribe() {
	h.bus.Subscribe(registry.TopicRunnerJoined, h.onJoined)
	h.bus.Subscribe(registry.TopicRunnerState, h.onState)
	h.bus.Subscribe(registry.TopicRunnerLeft, h.onLeft)
	h.bus.Subscribe(registry.TopicTestResult, h.onResult)
	h.bus.Subscribe(registry.TopicAllDone, h.onAllDone)
	h.bus.Subscribe(registry.TopicConsole, h.onConsole)
	h.bus.Subscribe(registry.TopicTopLevelError, h.onTopLevelError)
}

// live returns the unfinished run, if any.
func (h *Hub) live() *Run {
	if h.run == nil || h.run.finished() {
		return nil
	}
	return h.run
}

func (h *Hub) onJoined(m bus.Message) {
	ev := m.Payload.(registry.RunnerEvent)
	if run := h.active(); run != nil {
		run.agg.Join(ev.Session.ID(), ev.Session.Label())
	}
}

func (h *Hub) onState(m bus.Message) {
	ev := m.Payload.(registry.StateEvent)
	run := h.live()
	if run == nil {
		return
	}
	id := ev.Session.ID()
	switch {
	case ev.To == session.Restarting:
		run.agg.Restarting(id)
	case ev.To == session.Disconnected:
		run.agg.Park(id)
	case ev.From == session.Disconnected:
		run.agg.Unpark(id)
	case ev.From == session.Restarting && ev.To == session.Running:
		run.agg.Running(id)
	}
}

func (h *Hub) onLeft(m bus.Message) {
	ev := m.Payload.(registry.RunnerEvent)
	run := h.live()
	if run == nil {
		return
	}
	if ev.Cause == nil {
		run.agg.Leave(ev.Session.ID())
		return
	}
	timedOut := errors.Is(ev.Cause, session.ErrRunnerTimeout)
	run.agg.Finalize(ev.Session.ID(), ev.Session.Label(), timedOut)
}

func (h *Hub) onResult(m bus.Message) {
	ev := m.Payload.(registry.ResultEvent)
	s := ev.Session
	run := h.active()
	if run == nil {
		h.logger.Debug().Str("session", s.ID()).Int64("seq", ev.Seq).Msg("no active run, dropping result")
		return
	}

	res, err := run.agg.Record(s.ID(), s.Label(), ev.Payload)
	if err != nil {
		l := h.logger.Debug()
		if errors.Is(err, results.ErrInvalidPayload) {
			l = h.logger.Warn()
		}
		l.Err(err).Str("session", s.ID()).Str("runner", s.Label()).Int64("seq", ev.Seq).Msg("result rejected")
		return
	}
	s.RecordOutcome(res.Passed)
	h.feed.publish(EventResult, res)
}

func (h *Hub) onAllDone(m bus.Message) {
	ev := m.Payload.(registry.AllDoneEvent)
	if run := h.live(); run != nil {
		run.agg.AllDone(ev.Session.ID())
	}
}

func (h *Hub) onConsole(m bus.Message) {
	ev := m.Payload.(registry.ConsoleEvent)
	console.Call(h.console, ev.Method, fmt.Sprintf("[%s]", ev.Session.Label()), ev.Message)
}

func (h *Hub) onTopLevelError(m bus.Message) {
	ev := m.Payload.(registry.TopLevelErrorEvent)
	s := ev.Session
	h.logger.Error().
		Str("session", s.ID()).
		Str("runner", s.Label()).
		Str("url", ev.URL).
		Int("line", ev.Line).
		Msg(ev.Message)

	if !h.failOnTopLevelError || !s.Accepting() {
		return
	}
	run := h.active()
	if run == nil {
		return
	}
	res := results.NewGlobalError(s.ID(), s.Label(), ev.Message, ev.URL, ev.Line)
	if err := run.agg.Add(res); err != nil {
		h.logger.Debug().Err(err).Str("session", s.ID()).Msg("top-level error after finish")
		return
	}
	s.RecordOutcome(false)
	h.feed.publish(EventResult, res)
}
