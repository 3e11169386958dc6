// Package collector orchestrates the crash collection cycle: it receives
// delayed aggregate payload deliveries, enriches them against the
// diagnostics store, surfaces pixel parameters and merged payloads to the
// host, and, once the host authorizes it, submits each payload and keeps the
// reporting cohort token current.
package collector

import (
	"context"
	"strconv"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/crashhook/internal/settings"
	"github.com/blacktop/crashhook/pkg/correlate"
	"github.com/blacktop/crashhook/pkg/payload"
	"github.com/blacktop/crashhook/pkg/report"
	version "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// State of the collection cycle.
type State int

const (
	Idle State = iota
	AwaitingPayload
	Correlating
	AwaitingUserDecision
	Sending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingPayload:
		return "awaiting-payload"
	case Correlating:
		return "correlating"
	case AwaitingUserDecision:
		return "awaiting-user-decision"
	case Sending:
		return "sending"
	default:
		return "unknown"
	}
}

// Reporter submits one finished payload. Retry/backoff is its problem, not
// ours.
type Reporter interface {
	Send(ctx context.Context, body []byte, cohort string) (*report.Response, error)
}

// Handler is the host callback: pixel parameters per crash summary, the
// merged payload bytes, and the callback that authorizes sending. The host
// not calling uploadReports parks the cycle until the process restarts.
type Handler func(pixels []map[string]string, payloads [][]byte, uploadReports func())

// CompletionFunc is invoked once every payload of an authorized cycle has
// been attempted, with one result per payload.
type CompletionFunc func(results []error)

type Option func(*Collector)

// WithCompletion registers a send-completion callback.
func WithCompletion(fn CompletionFunc) Option {
	return func(c *Collector) { c.onComplete = fn }
}

// WithAppVersion supplies the version stamped into pixel parameters when a
// crash summary carries none.
func WithAppVersion(v string) Option {
	return func(c *Collector) { c.appVersion = v }
}

// Collector drives Idle → AwaitingPayload → Correlating →
// AwaitingUserDecision → Sending and back.
type Collector struct {
	correlator *correlate.Correlator
	settings   settings.Store
	reporter   Reporter
	handler    Handler
	onComplete CompletionFunc
	appVersion string

	mu           sync.Mutex
	state        State
	firstSession bool
}

func New(cor *correlate.Correlator, set settings.Store, rep Reporter, handler Handler, opts ...Option) *Collector {
	c := &Collector{
		correlator: cor,
		settings:   set,
		reporter:   rep,
		handler:    handler,
		state:      Idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start subscribes to payload delivery. The first-crash flag is read and
// cleared here, latching "is this the first session" for the whole cycle.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return errors.Errorf("cannot start in state %s", c.state)
	}
	first, err := c.settings.FirstCrash()
	if err != nil {
		return errors.Wrap(err, "failed to read first-crash flag")
	}
	c.firstSession = first
	if first {
		if err := c.settings.ClearFirstCrash(); err != nil {
			return errors.Wrap(err, "failed to clear first-crash flag")
		}
	}
	c.state = AwaitingPayload
	return nil
}

// Deliver handles one aggregate payload delivery cycle: correlate, surface
// to the host, and wait for authorization.
func (c *Collector) Deliver(ctx context.Context, payloads ...*payload.Payload) error {
	c.mu.Lock()
	if c.state != AwaitingPayload {
		c.mu.Unlock()
		return errors.Errorf("cannot accept payload in state %s", c.state)
	}
	c.state = Correlating
	first := c.firstSession
	c.mu.Unlock()

	var pixels []map[string]string
	var bodies [][]byte
	for _, p := range payloads {
		merged := c.correlator.Enrich(p)
		b, err := merged.Marshal()
		if err != nil {
			// Nothing in this cycle may fail the whole delivery;
			// skip the payload we can't encode.
			log.WithError(err).Error("failed to encode merged payload")
			continue
		}
		bodies = append(bodies, b)
		pixels = append(pixels, lo.FilterMap(merged.Items, func(it payload.Item, _ int) (map[string]string, bool) {
			if it.Kind != payload.KindCrash || it.Crash == nil {
				return nil, false
			}
			return pixelParams(it.Crash, first, c.appVersion), true
		})...)
	}

	c.mu.Lock()
	c.state = AwaitingUserDecision
	c.mu.Unlock()

	if c.handler != nil {
		c.handler(pixels, bodies, func() { c.upload(ctx, bodies) })
	}
	return nil
}

// upload runs the authorized send leg: one awaited send per payload, in
// order, so cohort token updates stay ordered too.
func (c *Collector) upload(ctx context.Context, bodies [][]byte) {
	c.mu.Lock()
	if c.state != AwaitingUserDecision {
		c.mu.Unlock()
		log.WithField("state", c.state.String()).Warn("upload authorized in unexpected state")
		return
	}
	c.state = Sending
	c.mu.Unlock()

	results := make([]error, 0, len(bodies))
	for _, body := range bodies {
		token, err := c.settings.CohortToken()
		if err != nil {
			log.WithError(err).Error("failed to read cohort token")
		}
		resp, err := c.reporter.Send(ctx, body, token)
		if err != nil {
			// Token stays as-is; the collaborator may retry later
			// with the same one.
			log.WithError(err).Error("failed to send crash report")
			results = append(results, err)
			continue
		}
		if !resp.OK() {
			log.WithField("status", resp.StatusCode).Error("crash report rejected")
			results = append(results, errors.Errorf("crash report rejected with status %d", resp.StatusCode))
			continue
		}
		c.updateCohort(token, resp)
		results = append(results, nil)
	}

	if c.onComplete != nil {
		c.onComplete(results)
	}

	c.mu.Lock()
	// The subscription outlives the cycle; go straight back to waiting.
	c.state = AwaitingPayload
	c.mu.Unlock()
}

func (c *Collector) updateCohort(current string, resp *report.Response) {
	assigned := resp.Cohort()
	switch {
	case assigned == "" && current != "":
		if err := c.settings.ClearCohortToken(); err != nil {
			log.WithError(err).Error("failed to clear cohort token")
		}
	case assigned != "" && assigned != current:
		if err := c.settings.SetCohortToken(assigned); err != nil {
			log.WithError(err).Error("failed to update cohort token")
		}
	}
}

func pixelParams(s *payload.CrashSummary, first bool, fallback string) map[string]string {
	appVersion := s.AppVersion
	if appVersion == "" {
		appVersion = fallback
	}
	if v, err := version.NewVersion(appVersion); err == nil {
		appVersion = v.String()
	}
	params := map[string]string{
		"appVersion": appVersion,
		"code":       strconv.FormatInt(s.ExceptionCode, 10),
		"type":       strconv.FormatInt(s.ExceptionType, 10),
		"signal":     strconv.FormatInt(s.Signal, 10),
	}
	if first {
		params["first"] = "1"
	}
	return params
}
