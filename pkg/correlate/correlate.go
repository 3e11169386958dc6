// Package correlate matches aggregate crash summaries against stored
// diagnostic records and splices the precise message and stack trace into
// the payload. A miss is not an error: the payload simply keeps its coarser
// data.
package correlate

import (
	"errors"

	"github.com/apex/log"
	"github.com/blacktop/crashhook/pkg/payload"
	"github.com/blacktop/crashhook/pkg/store"
)

// Correlator enriches aggregate payloads from a diagnostics store.
type Correlator struct {
	store *store.Store
}

func New(s *store.Store) *Correlator {
	return &Correlator{store: s}
}

// Enrich returns a copy of p with every crash summary merged against its
// best-matching stored record. The input payload is never mutated, and the
// merge never fails the payload as a whole.
func (c *Correlator) Enrich(p *payload.Payload) *payload.Payload {
	out := p.Clone()
	for i := range out.Items {
		it := &out.Items[i]
		if it.Kind != payload.KindCrash || it.Crash == nil {
			continue
		}
		rec, err := c.store.Find(it.Crash.Timestamp, it.Crash.PID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.WithError(err).Warn("diagnostics lookup failed")
			}
			continue
		}
		merge(&it.Crash.Meta, rec)
	}
	return out
}

// merge splices the stored record into the summary metadata. An existing
// message is appended to, never overwritten: both sources produced text and
// neither may be lost. A stored stack trace only fills an empty slot; when
// the aggregate pipeline managed to record frames itself, those stand.
func merge(meta *payload.CrashMeta, rec *store.Record) {
	switch {
	case meta.Message == "":
		meta.Message = rec.Message
	case rec.Message != "":
		meta.Message = meta.Message + "\n" + rec.Message
	}
	if len(meta.StackTrace) == 0 {
		meta.StackTrace = append([]string(nil), rec.StackTrace...)
	}
}
