package collector

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/crashhook/pkg/payload"
	"github.com/blacktop/crashhook/pkg/store"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = 6 * time.Hour

// Watch treats inbox as the delivery collaborator: every .json file dropped
// there is one aggregate payload delivery. It also keeps the diagnostics
// store pruned. Blocks until ctx is canceled.
func (c *Collector) Watch(ctx context.Context, inbox string, st *store.Store) error {
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return errors.Wrap(err, "failed to create inbox")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(inbox); err != nil {
		return errors.Wrapf(err, "failed to watch %s", inbox)
	}

	// Deliveries that landed before we started watching.
	entries, err := os.ReadDir(inbox)
	if err != nil {
		return errors.Wrap(err, "failed to scan inbox")
	}
	for _, e := range entries {
		c.deliverFile(ctx, filepath.Join(inbox, e.Name()))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if event.Op.Has(fsnotify.Create) {
					c.deliverFile(ctx, event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.WithError(err).Error("inbox watcher error")
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := st.Prune(); err != nil {
					log.WithError(err).Warn("failed to prune diagnostics store")
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// deliverFile reads one dropped payload, hands it to the delivery path, and
// consumes the file so it is delivered exactly once.
func (c *Collector) deliverFile(ctx context.Context, path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	b, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).WithField("file", path).Error("failed to read payload delivery")
		return
	}
	p, err := payload.Parse(b)
	if err != nil {
		log.WithError(err).WithField("file", path).Error("failed to decode payload delivery")
		return
	}
	if err := c.Deliver(ctx, p); err != nil {
		log.WithError(err).WithField("file", path).Warn("payload delivery not accepted")
		return
	}
	if err := os.Remove(path); err != nil {
		log.WithError(err).WithField("file", path).Warn("failed to consume payload delivery")
	}
}
