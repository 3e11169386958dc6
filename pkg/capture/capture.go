// Package capture turns uncaught exceptions, both the runtime's own and the
// low-level typed kind surfaced by the raise hook, into persisted diagnostic
// records. Everything here runs in the shadow of a fatal error: the process
// is about to die, so the capture paths persist first, log after, and always
// forward to whatever handler was installed before this one.
package capture

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/crashhook/pkg/hook"
	"github.com/blacktop/crashhook/pkg/store"
)

// Exception is the structured shape shared by both capture paths.
type Exception struct {
	Name     string
	Reason   string
	UserInfo map[string]string
	Frames   []string
}

// Handler is an uncaught-exception handler. The handler that was installed
// before the Capturer is an ordinary dependency, passed at setup time, and
// is always forwarded to: other crash reporters sharing the process must
// keep working.
type Handler func(*Exception)

// Describer extracts a human-readable message from a raw typed exception,
// when the host knows how. ok false records frames only.
type Describer func(hook.RaiseArgs) (msg string, ok bool)

type Option func(*Capturer)

// WithNextHandler chains the previously installed uncaught-exception
// handler.
func WithNextHandler(next Handler) Option {
	return func(c *Capturer) { c.next = next }
}

// WithDescriber supplies message extraction for the low-level path.
func WithDescriber(d Describer) Option {
	return func(c *Capturer) { c.describe = d }
}

// WithClock overrides the wall clock and pid source, for tests and hosts
// that replay crashes.
func WithClock(now func() time.Time, pid func() int) Option {
	return func(c *Capturer) { c.now, c.pid = now, pid }
}

// Capturer persists diagnostics for uncaught exceptions.
type Capturer struct {
	store    *store.Store
	next     Handler
	describe Describer
	now      func() time.Time
	pid      func() int
}

func New(s *store.Store, opts ...Option) *Capturer {
	c := &Capturer{store: s, now: time.Now, pid: os.Getpid}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleUncaught is the process-wide uncaught-exception handler (the
// high-level path). It persists the record, then tail-calls the next handler
// in the original chain.
func (c *Capturer) HandleUncaught(e *Exception) {
	c.persist(message(e), e.Frames)
	if c.next != nil {
		c.next(e)
	}
}

// OnRaise is the hook callback (the low-level path). It runs before the
// original raise is chained, while the stack is still valid. Control returns
// to the interceptor, which chains for us.
func (c *Capturer) OnRaise(args hook.RaiseArgs, callers []uintptr) {
	var msg string
	if c.describe != nil {
		if m, ok := c.describe(args); ok {
			msg = m
		}
	}
	frames := make([]string, 0, len(callers))
	for _, pc := range callers {
		frames = append(frames, fmt.Sprintf("%#016x", uint64(pc)))
	}
	c.persist(msg, frames)
}

// persist writes the record as the crashing thread's last action. A failed
// write drops the record; escalating during process termination is unsafe.
func (c *Capturer) persist(msg string, frames []string) {
	rec := &store.Record{
		Timestamp:  c.now().UTC(),
		PID:        c.pid(),
		Message:    Sanitize(msg),
		StackTrace: frames,
	}
	if err := c.store.Write(rec); err != nil {
		log.WithError(err).Warn("failed to persist crash diagnostics")
	}
}

// message flattens name, reason and the user-info bag into one string.
func message(e *Exception) string {
	var parts []string
	if e.Name != "" {
		parts = append(parts, e.Name)
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if len(e.UserInfo) > 0 {
		keys := make([]string, 0, len(e.UserInfo))
		for k := range e.UserInfo {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+e.UserInfo[k])
		}
	}
	return strings.Join(parts, ": ")
}
