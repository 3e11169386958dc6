package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blacktop/crashhook/internal/settings"
	"github.com/blacktop/crashhook/pkg/correlate"
	"github.com/blacktop/crashhook/pkg/store"
)

func TestWatchDeliversInboxFiles(t *testing.T) {
	inbox := t.TempDir()
	st := store.New(t.TempDir())
	if err := st.Prepare(); err != nil {
		t.Fatal(err)
	}

	// A delivery that landed while nobody was watching.
	body := []byte(`{"items":[{"kind":"crash","data":{"appVersion":"1.0.0","timestamp":"2024-05-20T12:11:33Z","pid":1,"metadata":{}}}]}`)
	name := filepath.Join(inbox, "payload-1.json")
	if err := os.WriteFile(name, body, 0o644); err != nil {
		t.Fatal(err)
	}

	delivered := make(chan [][]byte, 1)
	col := New(correlate.New(st), settings.NewMemory(), &fakeReporter{},
		func(_ []map[string]string, payloads [][]byte, _ func()) {
			delivered <- payloads
		})
	if err := col.Start(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- col.Watch(ctx, inbox, st) }()

	select {
	case payloads := <-delivered:
		if len(payloads) != 1 {
			t.Errorf("got %d payloads, want 1", len(payloads))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("payload was never delivered")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}

	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Error("delivered payload file should be consumed")
	}
}

func TestWatchIgnoresNonPayloadFiles(t *testing.T) {
	inbox := t.TempDir()
	st := store.New(t.TempDir())
	if err := st.Prepare(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(inbox, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	col := New(correlate.New(st), settings.NewMemory(), &fakeReporter{},
		func(_ []map[string]string, _ [][]byte, _ func()) {
			t.Error("handler should not fire for non-json files")
		})
	if err := col.Start(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := col.Watch(ctx, inbox, st); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Watch() error = %v", err)
	}
}
