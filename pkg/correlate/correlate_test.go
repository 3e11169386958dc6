package correlate

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/crashhook/pkg/payload"
	"github.com/blacktop/crashhook/pkg/store"
)

var crashTime = time.Date(2024, 5, 20, 12, 11, 33, 0, time.UTC)

func testCorrelator(t *testing.T, recs ...*store.Record) *Correlator {
	t.Helper()
	s := store.New(t.TempDir())
	if err := s.Prepare(); err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if err := s.Write(r); err != nil {
			t.Fatal(err)
		}
	}
	return New(s)
}

func crashPayload(msg string, frames []string) *payload.Payload {
	return &payload.Payload{Items: []payload.Item{{
		Kind: payload.KindCrash,
		Crash: &payload.CrashSummary{
			AppVersion: "1.2.3",
			Signal:     6,
			Timestamp:  crashTime,
			PID:        59070,
			Meta:       payload.CrashMeta{Message: msg, StackTrace: frames},
		},
	}}}
}

func TestEnrichSplicesStoredRecord(t *testing.T) {
	c := testCorrelator(t, &store.Record{
		Timestamp:  crashTime,
		PID:        59070,
		Message:    "divide by zero",
		StackTrace: []string{"0x1", "0x2", "0x3"},
	})

	out := c.Enrich(crashPayload("", nil))

	got := out.Items[0].Crash.Meta
	if got.Message != "divide by zero" {
		t.Errorf("message = %q, want %q", got.Message, "divide by zero")
	}
	if len(got.StackTrace) != 3 {
		t.Errorf("stack trace has %d entries, want 3", len(got.StackTrace))
	}
}

func TestEnrichAppendsToExistingMessage(t *testing.T) {
	c := testCorrelator(t, &store.Record{
		Timestamp: crashTime,
		PID:       59070,
		Message:   "divide by zero",
	})

	out := c.Enrich(crashPayload("EXC_CRASH (SIGABRT)", nil))

	got := out.Items[0].Crash.Meta.Message
	if !strings.Contains(got, "EXC_CRASH (SIGABRT)") || !strings.Contains(got, "divide by zero") {
		t.Errorf("merge lost text: %q", got)
	}
}

func TestEnrichMissLeavesSummaryUntouched(t *testing.T) {
	c := testCorrelator(t)

	in := crashPayload("coarse only", []string{"0xaa"})
	out := c.Enrich(in)

	got := out.Items[0].Crash.Meta
	if got.Message != "coarse only" || len(got.StackTrace) != 1 {
		t.Errorf("miss mutated the summary: %+v", got)
	}
}

func TestEnrichDoesNotMutateInput(t *testing.T) {
	c := testCorrelator(t, &store.Record{Timestamp: crashTime, PID: 59070, Message: "stored"})

	in := crashPayload("", nil)
	c.Enrich(in)

	if in.Items[0].Crash.Meta.Message != "" {
		t.Error("Enrich mutated the delivered payload")
	}
}

func TestEnrichIgnoresUnsupportedKinds(t *testing.T) {
	c := testCorrelator(t, &store.Record{Timestamp: crashTime, PID: 59070, Message: "stored"})

	raw := json.RawMessage(`{"duration":5}`)
	in := &payload.Payload{Items: []payload.Item{{Kind: payload.KindHang, Other: raw}}}
	out := c.Enrich(in)

	if out.Items[0].Kind != payload.KindHang || string(out.Items[0].Other) != string(raw) {
		t.Errorf("unsupported kind modified: %+v", out.Items[0])
	}
}
