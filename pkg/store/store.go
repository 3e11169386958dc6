// Package store persists one diagnostic record per crash attempt, keyed by
// wall-clock timestamp and process id, and finds the best match for a
// later-arriving aggregate payload.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
)

// ErrNotFound is returned by Find when no stored record matches. A miss is a
// normal outcome, never a zero record.
var ErrNotFound = errors.New("no matching diagnostic record")

// File names look like 2024-05-20T12:11:33Z-59070.log.
const (
	nameLayout = "2006-01-02T15:04:05Z"
	nameExt    = ".log"
)

const (
	// DefaultRetention is how long records survive before Prepare prunes
	// them.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultMatchWindow is the timestamp tolerance when matching with a
	// known pid. The aggregate payload's clock and the crash clock are
	// skewed by an empirically small amount; this is a tunable, not a
	// contract.
	DefaultMatchWindow = time.Minute
)

// Record is one crash attempt's diagnostics. Written at the moment of an
// uncaught exception, read back during correlation, deleted only by pruning.
type Record struct {
	Timestamp  time.Time `json:"-"`
	PID        int       `json:"-"`
	Message    string    `json:"message"`
	StackTrace []string  `json:"stackTrace"`
}

// Store is a directory of diagnostic records.
type Store struct {
	Dir         string
	Retention   time.Duration
	MatchWindow time.Duration

	now func() time.Time
}

func New(dir string) *Store {
	return &Store{
		Dir:         dir,
		Retention:   DefaultRetention,
		MatchWindow: DefaultMatchWindow,
		now:         time.Now,
	}
}

// Prepare ensures the backing directory exists and prunes records older than
// the retention horizon. Call once at process start.
func (s *Store) Prepare() error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create diagnostics dir: %w", err)
	}
	return s.Prune()
}

// Prune removes records older than the retention horizon. Records at or
// inside the horizon are kept.
func (s *Store) Prune() error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return fmt.Errorf("failed to scan diagnostics dir: %w", err)
	}
	horizon := s.now().Add(-s.Retention)
	for _, e := range entries {
		ts, _, ok := parseName(e.Name())
		if !ok {
			continue
		}
		if ts.Before(horizon) {
			if err := os.Remove(filepath.Join(s.Dir, e.Name())); err != nil {
				log.WithError(err).WithField("file", e.Name()).Warn("failed to prune record")
			}
		}
	}
	return nil
}

// Write persists one record. The name is unique per crash attempt, so an
// existing file is never overwritten. This runs on the crashing thread as
// its very last action: the write is synchronous and unbuffered, and a
// failure must not escalate.
func (s *Store) Write(r *Record) error {
	name := r.Timestamp.UTC().Format(nameLayout) + "-" + strconv.Itoa(r.PID) + nameExt
	f, err := os.OpenFile(filepath.Join(s.Dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create record %s: %w", name, err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(r); err != nil {
		return fmt.Errorf("failed to encode record %s: %w", name, err)
	}
	return nil
}

// Find returns the stored record best matching ts. With a known pid (> 0),
// candidates are filtered to that exact pid within the match window; with an
// unknown pid the filter falls back to the rounded-to-minute bucket. Among
// the survivors the latest wins.
func (s *Store) Find(ts time.Time, pid int) (*Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan diagnostics dir: %w", err)
	}

	var bestName string
	var bestTS time.Time
	var bestPID int
	for _, e := range entries {
		rts, rpid, ok := parseName(e.Name())
		if !ok {
			continue
		}
		if pid > 0 {
			if rpid != pid || absDelta(ts, rts) > s.MatchWindow {
				continue
			}
		} else if !rts.Truncate(time.Minute).Equal(ts.UTC().Truncate(time.Minute)) {
			continue
		}
		if bestName == "" || rts.After(bestTS) {
			bestName, bestTS, bestPID = e.Name(), rts, rpid
		}
	}
	if bestName == "" {
		return nil, ErrNotFound
	}

	b, err := os.ReadFile(filepath.Join(s.Dir, bestName))
	if err != nil {
		log.WithError(err).WithField("file", bestName).Warn("failed to read record")
		return nil, ErrNotFound
	}
	rec := &Record{Timestamp: bestTS, PID: bestPID}
	if err := json.Unmarshal(b, rec); err != nil {
		// A corrupt record is treated as absent.
		log.WithError(err).WithField("file", bestName).Warn("failed to decode record")
		return nil, ErrNotFound
	}
	return rec, nil
}

// List returns every readable record, oldest first. Corrupt records are
// skipped.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan diagnostics dir: %w", err)
	}
	var out []*Record
	for _, e := range entries {
		ts, pid, ok := parseName(e.Name())
		if !ok {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.Dir, e.Name()))
		if err != nil {
			log.WithError(err).WithField("file", e.Name()).Warn("failed to read record")
			continue
		}
		rec := &Record{Timestamp: ts, PID: pid}
		if err := json.Unmarshal(b, rec); err != nil {
			log.WithError(err).WithField("file", e.Name()).Warn("failed to decode record")
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func parseName(name string) (time.Time, int, bool) {
	base, ok := strings.CutSuffix(name, nameExt)
	if !ok {
		return time.Time{}, 0, false
	}
	i := strings.LastIndexByte(base, '-')
	if i < 0 {
		return time.Time{}, 0, false
	}
	ts, err := time.Parse(nameLayout, base[:i])
	if err != nil {
		return time.Time{}, 0, false
	}
	pid, err := strconv.Atoi(base[i+1:])
	if err != nil {
		return time.Time{}, 0, false
	}
	return ts, pid, true
}

func absDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
