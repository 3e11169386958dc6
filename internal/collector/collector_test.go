package collector

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/blacktop/crashhook/internal/settings"
	"github.com/blacktop/crashhook/pkg/correlate"
	"github.com/blacktop/crashhook/pkg/payload"
	"github.com/blacktop/crashhook/pkg/report"
	"github.com/blacktop/crashhook/pkg/store"
	"github.com/pkg/errors"
)

var crashTime = time.Date(2024, 5, 20, 12, 11, 33, 0, time.UTC)

// scripted response for one send
type sendResult struct {
	status int
	cohort string
	err    error
}

type fakeReporter struct {
	script []sendResult
	sent   [][]byte
	tokens []string
}

func (f *fakeReporter) Send(_ context.Context, body []byte, cohort string) (*report.Response, error) {
	i := len(f.sent)
	f.sent = append(f.sent, body)
	f.tokens = append(f.tokens, cohort)
	res := sendResult{status: http.StatusOK}
	if i < len(f.script) {
		res = f.script[i]
	}
	if res.err != nil {
		return nil, res.err
	}
	h := http.Header{}
	if res.cohort != "" {
		h.Set(report.CohortHeader, res.cohort)
	}
	return &report.Response{StatusCode: res.status, Header: h}, nil
}

type fixture struct {
	collector *Collector
	store     *store.Store
	settings  *settings.Memory
	reporter  *fakeReporter

	pixels   []map[string]string
	payloads [][]byte
	upload   func()
	results  []error
}

func newFixture(t *testing.T, script ...sendResult) *fixture {
	t.Helper()
	s := store.New(t.TempDir())
	if err := s.Prepare(); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store:    s,
		settings: settings.NewMemory(),
		reporter: &fakeReporter{script: script},
	}
	f.collector = New(
		correlate.New(s),
		f.settings,
		f.reporter,
		func(pixels []map[string]string, payloads [][]byte, uploadReports func()) {
			f.pixels = pixels
			f.payloads = payloads
			f.upload = uploadReports
		},
		WithCompletion(func(results []error) { f.results = results }),
	)
	return f
}

func crashPayload(msg string, pid int) *payload.Payload {
	return &payload.Payload{Items: []payload.Item{{
		Kind: payload.KindCrash,
		Crash: &payload.CrashSummary{
			AppVersion:    "1.2.3",
			ExceptionCode: 6,
			ExceptionType: 1,
			Signal:        11,
			Timestamp:     crashTime,
			PID:           pid,
			Meta:          payload.CrashMeta{Message: msg},
		},
	}}}
}

func TestEndToEndDivideByZero(t *testing.T) {
	f := newFixture(t)

	// The crashing session persisted this record before dying.
	if err := f.store.Write(&store.Record{
		Timestamp:  crashTime,
		PID:        59070,
		Message:    "divide by zero",
		StackTrace: []string{"0x100100", "0x100200", "0x100300"},
	}); err != nil {
		t.Fatal(err)
	}

	// Process restarted; the aggregate payload arrives much later.
	if err := f.collector.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.collector.Deliver(context.Background(), crashPayload("", 59070)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if len(f.payloads) != 1 {
		t.Fatalf("host got %d payloads, want 1", len(f.payloads))
	}
	merged, err := payload.Parse(f.payloads[0])
	if err != nil {
		t.Fatal(err)
	}
	meta := merged.Items[0].Crash.Meta
	if meta.Message != "divide by zero" {
		t.Errorf("merged message = %q, want %q", meta.Message, "divide by zero")
	}
	if len(meta.StackTrace) != 3 {
		t.Errorf("merged stack trace has %d entries, want 3", len(meta.StackTrace))
	}

	if len(f.pixels) != 1 {
		t.Fatalf("got %d pixel param sets, want 1", len(f.pixels))
	}
	px := f.pixels[0]
	if px["appVersion"] != "1.2.3" || px["signal"] != "11" || px["code"] != "6" || px["type"] != "1" {
		t.Errorf("pixel params wrong: %v", px)
	}
	if px["first"] != "1" {
		t.Error("first session flag missing from pixel params")
	}

	if got := f.collector.State(); got != AwaitingUserDecision {
		t.Fatalf("state = %s, want awaiting-user-decision", got)
	}

	// Host authorizes the upload.
	f.upload()

	if len(f.reporter.sent) != 1 || string(f.reporter.sent[0]) != string(f.payloads[0]) {
		t.Error("reporter did not receive the merged payload bytes")
	}
	if len(f.results) != 1 || f.results[0] != nil {
		t.Errorf("completion results = %v, want [nil]", f.results)
	}
	if got := f.collector.State(); got != AwaitingPayload {
		t.Errorf("state after send = %s, want awaiting-payload", got)
	}
}

func TestFirstCrashFlagLatches(t *testing.T) {
	f := newFixture(t)
	if err := f.collector.Start(); err != nil {
		t.Fatal(err)
	}
	first, err := f.settings.FirstCrash()
	if err != nil {
		t.Fatal(err)
	}
	if first {
		t.Error("Start() should clear the stored first-crash flag")
	}

	// Second session: no first flag in pixels.
	f2 := &fixture{store: f.store, settings: f.settings, reporter: &fakeReporter{}}
	f2.collector = New(correlate.New(f.store), f2.settings, f2.reporter,
		func(pixels []map[string]string, payloads [][]byte, upload func()) { f2.pixels = pixels })
	if err := f2.collector.Start(); err != nil {
		t.Fatal(err)
	}
	if err := f2.collector.Deliver(context.Background(), crashPayload("", 1)); err != nil {
		t.Fatal(err)
	}
	if _, ok := f2.pixels[0]["first"]; ok {
		t.Error("second session should not carry the first flag")
	}
}

func TestCohortTokenTransitions(t *testing.T) {
	f := newFixture(t,
		sendResult{status: http.StatusOK, cohort: "abc123"},
		sendResult{status: http.StatusOK, cohort: "abc123"},
		sendResult{status: http.StatusOK},
	)
	if err := f.collector.Start(); err != nil {
		t.Fatal(err)
	}

	send := func() {
		t.Helper()
		if err := f.collector.Deliver(context.Background(), crashPayload("m", 1)); err != nil {
			t.Fatal(err)
		}
		f.upload()
	}

	// Absent -> assigned.
	send()
	tok, _ := f.settings.CohortToken()
	if tok != "abc123" {
		t.Fatalf("token = %q, want abc123", tok)
	}

	// Same header -> unchanged.
	send()
	tok, _ = f.settings.CohortToken()
	if tok != "abc123" {
		t.Fatalf("token = %q, want abc123 unchanged", tok)
	}
	if f.reporter.tokens[1] != "abc123" {
		t.Errorf("second send used token %q, want abc123", f.reporter.tokens[1])
	}

	// No header -> cleared.
	send()
	tok, _ = f.settings.CohortToken()
	if tok != "" {
		t.Errorf("token = %q, want cleared", tok)
	}
}

func TestFailedSendLeavesTokenUntouched(t *testing.T) {
	f := newFixture(t, sendResult{err: errors.New("network down")})
	f.settings.SetCohortToken("keep-me")
	if err := f.collector.Start(); err != nil {
		t.Fatal(err)
	}
	if err := f.collector.Deliver(context.Background(), crashPayload("m", 1)); err != nil {
		t.Fatal(err)
	}
	f.upload()

	if len(f.results) != 1 || f.results[0] == nil {
		t.Errorf("completion results = %v, want one error", f.results)
	}
	tok, _ := f.settings.CohortToken()
	if tok != "keep-me" {
		t.Errorf("token = %q, want keep-me", tok)
	}
}

func TestRejectedSendLeavesTokenUntouched(t *testing.T) {
	f := newFixture(t, sendResult{status: http.StatusServiceUnavailable})
	f.settings.SetCohortToken("keep-me")
	if err := f.collector.Start(); err != nil {
		t.Fatal(err)
	}
	if err := f.collector.Deliver(context.Background(), crashPayload("m", 1)); err != nil {
		t.Fatal(err)
	}
	f.upload()

	tok, _ := f.settings.CohortToken()
	if tok != "keep-me" {
		t.Errorf("token = %q, want keep-me", tok)
	}
}

func TestDeliverRequiresSubscription(t *testing.T) {
	f := newFixture(t)
	if err := f.collector.Deliver(context.Background(), crashPayload("m", 1)); err == nil {
		t.Error("Deliver() before Start() should fail")
	}
}

func TestUndecidedCycleStaysParked(t *testing.T) {
	f := newFixture(t)
	if err := f.collector.Start(); err != nil {
		t.Fatal(err)
	}
	if err := f.collector.Deliver(context.Background(), crashPayload("m", 1)); err != nil {
		t.Fatal(err)
	}
	// Host never calls uploadReports.
	if got := f.collector.State(); got != AwaitingUserDecision {
		t.Errorf("state = %s, want awaiting-user-decision", got)
	}
	if len(f.reporter.sent) != 0 {
		t.Error("nothing may be sent without authorization")
	}
}
