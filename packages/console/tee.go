package console

// Forwarder relays one rendered console line somewhere else, typically over
// a protocol channel.
type Forwarder func(m Method, message string)

// Veto decides whether a console line is forwarded and printed at all.
// Returning false suppresses both.
type Veto func(m Method, message string) bool

// Tee is a Logger decorator: each call is forwarded and then passed to the
// wrapped logger, unless the veto rejects it.
type Tee struct {
	next    Logger
	forward Forwarder
	veto    Veto
}

type TeeOption func(*Tee)

func WithVeto(v Veto) TeeOption {
	return func(t *Tee) {
		t.veto = v
	}
}

func NewTee(next Logger, forward Forwarder, opts ...TeeOption) *Tee {
	if next == nil {
		next = Discard{}
	}
	t := &Tee{next: next, forward: forward}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tee) Log(args ...any)   { t.call(Log, args) }
func (t *Tee) Warn(args ...any)  { t.call(Warn, args) }
func (t *Tee) Error(args ...any) { t.call(Error, args) }
func (t *Tee) Info(args ...any)  { t.call(Info, args) }

func (t *Tee) call(m Method, args []any) {
	message := Join(args...)
	if t.veto != nil && !t.veto(m, message) {
		return
	}
	if t.forward != nil {
		t.forward(m, message)
	}
	Call(t.next, m, args...)
}
