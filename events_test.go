package x402

import (
	"testing"
	"time"
)

type panickyReporter struct{}

func (panickyReporter) Record(TransitionEvent) { panic("reporter blew up") }

func TestMemoryReporter(t *testing.T) {
	var r MemoryReporter
	r.Record(TransitionEvent{Kind: KindInvoice, Text: "one", Time: time.Now()})
	r.Record(TransitionEvent{Kind: KindPayment, Text: "two", Time: time.Now()})

	events := r.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != KindInvoice || events[1].Kind != KindPayment {
		t.Errorf("events out of order: %+v", events)
	}

	// Events returns a copy.
	events[0].Text = "mutated"
	if r.Events()[0].Text != "one" {
		t.Error("Events exposed internal state")
	}
}

func TestMultiReporterIsolatesPanics(t *testing.T) {
	var mem MemoryReporter
	multi := MultiReporter(panickyReporter{}, &mem)

	record(multi, TransitionEvent{Kind: KindResult, Text: "done"})

	if len(mem.Events()) != 1 {
		t.Fatal("second reporter did not receive the event")
	}
}

func TestRecordTolerateNilReporter(t *testing.T) {
	record(nil, TransitionEvent{Kind: KindCancel})
}
