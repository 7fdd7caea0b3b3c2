package x402

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TransitionKind identifies a negotiation transition.
type TransitionKind string

const (
	KindInvoice TransitionKind = "invoice"
	KindPayment TransitionKind = "payment"
	KindResult  TransitionKind = "result"
	KindCancel  TransitionKind = "cancel"
)

// TransitionEvent is one observed transition of a negotiation cycle.
type TransitionEvent struct {
	Kind TransitionKind    `json:"kind"`
	Text string            `json:"text"`
	Time time.Time         `json:"time"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Reporter observes invoice/payment/result/cancel transitions for operator
// visibility. Record is fire-and-forget: implementations must not block, and
// a panicking or failing reporter never affects protocol correctness.
type Reporter interface {
	Record(ev TransitionEvent)
}

// record isolates the protocol flow from reporter failures.
func record(r Reporter, ev TransitionEvent) {
	if r == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	r.Record(ev)
}

// NopReporter discards all transitions.
type NopReporter struct{}

// Record implements Reporter.
func (NopReporter) Record(TransitionEvent) {}

// LogReporter writes transitions to a structured log, giving operators an
// audit trail even when no UI is attached.
type LogReporter struct {
	log *zap.Logger
}

// NewLogReporter creates a reporter backed by the given logger.
func NewLogReporter(log *zap.Logger) *LogReporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogReporter{log: log}
}

// Record implements Reporter.
func (r *LogReporter) Record(ev TransitionEvent) {
	fields := make([]zap.Field, 0, len(ev.Meta)+2)
	fields = append(fields, zap.String("kind", string(ev.Kind)), zap.Time("at", ev.Time))
	for k, v := range ev.Meta {
		fields = append(fields, zap.String(k, v))
	}
	r.log.Info(ev.Text, fields...)
}

// MemoryReporter retains transitions in memory, in order of arrival. Useful
// as an in-process audit trail and in tests.
type MemoryReporter struct {
	mu     sync.Mutex
	events []TransitionEvent
}

// Record implements Reporter.
func (r *MemoryReporter) Record(ev TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded transitions.
func (r *MemoryReporter) Events() []TransitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TransitionEvent, len(r.events))
	copy(out, r.events)
	return out
}

// MultiReporter fans a transition out to several reporters. Each receives the
// event under the same isolation guarantee as a single reporter.
func MultiReporter(reporters ...Reporter) Reporter {
	return multiReporter(reporters)
}

type multiReporter []Reporter

func (m multiReporter) Record(ev TransitionEvent) {
	for _, r := range m {
		record(r, ev)
	}
}
