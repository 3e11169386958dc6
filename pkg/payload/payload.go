// Package payload models the delayed aggregate diagnostics container the OS
// delivers, batching crash, hang and resource-exception summaries across
// recent sessions. Only crash summaries are understood by the correlation
// machinery; every other kind round-trips untouched.
package payload

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags one diagnostic item. Unrecognized kinds are preserved, not
// rejected: the payload format grows faster than this code.
type Kind string

const (
	KindCrash    Kind = "crash"
	KindHang     Kind = "hang"
	KindResource Kind = "resourceException"
)

// Payload is one aggregate diagnostics delivery.
type Payload struct {
	Items []Item `json:"items"`
}

// Item is a tagged variant: exactly one of Crash or Other is populated.
type Item struct {
	Kind  Kind
	Crash *CrashSummary
	Other json.RawMessage
}

// CrashSummary is the coarse exception metadata the aggregate pipeline
// produces on its own. Message and stack trace arrive only via correlation
// with a stored diagnostic record.
type CrashSummary struct {
	AppVersion    string    `json:"appVersion"`
	ExceptionCode int64     `json:"exceptionCode"`
	ExceptionType int64     `json:"exceptionType"`
	Signal        int64     `json:"signal"`
	Timestamp     time.Time `json:"timestamp"`
	PID           int       `json:"pid,omitempty"` // 0 when the platform doesn't expose it
	Meta          CrashMeta `json:"metadata"`
}

// CrashMeta is the nested metadata the correlator splices into.
type CrashMeta struct {
	Message    string   `json:"message,omitempty"`
	StackTrace []string `json:"stackTrace,omitempty"`
}

type itemWire struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (it Item) MarshalJSON() ([]byte, error) {
	w := itemWire{Kind: it.Kind}
	if it.Kind == KindCrash && it.Crash != nil {
		b, err := json.Marshal(it.Crash)
		if err != nil {
			return nil, err
		}
		w.Data = b
	} else {
		w.Data = it.Other
	}
	return json.Marshal(w)
}

func (it *Item) UnmarshalJSON(b []byte) error {
	var w itemWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	it.Kind = w.Kind
	if w.Kind == KindCrash {
		it.Crash = new(CrashSummary)
		return json.Unmarshal(w.Data, it.Crash)
	}
	it.Other = w.Data
	return nil
}

// Parse decodes one aggregate payload delivery.
func Parse(b []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("failed to decode aggregate payload: %w", err)
	}
	return &p, nil
}

// Marshal encodes the payload for the reporting pipeline.
func (p *Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Clone deep-copies the payload. Correlation mutates a copy; the delivery
// collaborator must never observe the merge.
func (p *Payload) Clone() *Payload {
	out := &Payload{Items: make([]Item, len(p.Items))}
	for i, it := range p.Items {
		c := Item{Kind: it.Kind}
		if it.Crash != nil {
			cs := *it.Crash
			cs.Meta.StackTrace = append([]string(nil), it.Crash.Meta.StackTrace...)
			c.Crash = &cs
		}
		if it.Other != nil {
			c.Other = append(json.RawMessage(nil), it.Other...)
		}
		out.Items[i] = c
	}
	return out
}
