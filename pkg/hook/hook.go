// Package hook rebinds the native raise-exception entry point across every
// loaded image, chains to the original binding, and surfaces each raise to a
// registered callback before the exception machinery runs.
package hook

import (
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/blacktop/crashhook/pkg/image"
	"github.com/pkg/errors"
)

// RaiseArgs mirror the low-level raise entry point's arguments (the thrown
// object, its type info, and its destructor). They pass through the hook
// boundary untouched.
type RaiseArgs struct {
	Thrown   uintptr
	TypeInfo uintptr
	Dtor     uintptr
}

// RaiseFunc is an executable raise entry point. callers holds the raising
// thread's native return addresses, innermost first.
type RaiseFunc func(args RaiseArgs, callers []uintptr)

// Callback observes every raise before the original binding is invoked.
// It runs synchronously on the raising thread, which is about to die, so it
// must not block and must not take the install lock.
type Callback func(args RaiseArgs, callers []uintptr)

// Exec bridges pointer values stored in slots and callable functions.
// Register hands out the value patched slots will hold for the interceptor
// itself; Resolve turns a recorded original value back into a callable.
type Exec interface {
	Register(fn RaiseFunc) uintptr
	Resolve(fn uintptr) (RaiseFunc, bool)
}

// maxCallerDepth bounds the return-address walk used to find which image's
// original binding to chain to.
const maxCallerDepth = 8

// snapshot is the lock-free view used on the raise path. It is rebuilt
// copy-on-write under the install lock; entries are never removed.
type snapshot struct {
	images    []image.Image
	originals map[uint64]uintptr // image base -> original pointer
}

func (s *snapshot) imageFor(addr uintptr) image.Image {
	for _, img := range s.images {
		if img.Contains(addr) {
			return img
		}
	}
	return nil
}

// Hooker installs and owns the raise-exception hook. One Hooker covers the
// whole process; hooks persist for the process lifetime.
type Hooker struct {
	walker image.Walker
	exec   Exec

	mu       sync.Mutex // designated-context discipline for scans and slot writes
	target   string
	callback Callback
	entry    uintptr
	snap     atomic.Pointer[snapshot]
}

func New(w image.Walker, exec Exec) *Hooker {
	h := &Hooker{walker: w, exec: exec}
	h.snap.Store(&snapshot{originals: make(map[uint64]uintptr)})
	return h
}

// Install hooks target in every currently loaded image and registers with
// the loader to hook every image loaded afterwards. It is idempotent:
// installing the same target twice is a no-op.
func (h *Hooker) Install(target string, cb Callback) error {
	h.mu.Lock()
	if h.target == target {
		h.mu.Unlock()
		return nil
	}
	if h.target != "" {
		h.mu.Unlock()
		return errors.Errorf("hook already installed for %s", h.target)
	}
	h.target = target
	h.callback = cb
	h.entry = h.exec.Register(h.Raise)
	h.mu.Unlock()

	// The loader invokes this once per current image and once per future
	// image, on the loading thread, for the rest of the process lifetime.
	h.walker.OnLoad(h.hookImage)
	return nil
}

// Original returns the pointer that was bound in the image keyed by base
// before the hook was installed.
func (h *Hooker) Original(base uint64) (uintptr, bool) {
	orig, ok := h.snap.Load().originals[base]
	return orig, ok
}

// hookImage scans one image for the target symbol and patches the first
// matching slot. Scan failures are logged and never abort other images.
// A load fired while another scan holds the lock is refused rather than
// queued; blocking here could deadlock a re-entrant load on the same thread.
func (h *Hooker) hookImage(img image.Image) {
	if !h.mu.TryLock() {
		log.WithField("image", img.Name()).Error("refusing re-entrant image scan")
		return
	}
	defer h.mu.Unlock()

	snap := h.snap.Load()
	for _, known := range snap.images {
		if known.Base() == img.Base() {
			return
		}
	}
	if img.Slide() == 0 {
		log.WithField("image", img.Name()).Debug("skipping image with zero slide")
		h.publish(snap, img, 0, false)
		return
	}

	for _, tab := range img.Tables() {
		for i := 0; i < tab.Len(); i++ {
			name, ok := tab.SymbolName(i)
			// Exact byte compare; the target symbol is compiler
			// generated and never needs locale-aware matching.
			if !ok || name != h.target {
				continue
			}
			orig, err := tab.Load(i)
			if err != nil {
				log.WithError(err).WithField("image", img.Name()).Warn("failed to read slot")
				h.publish(snap, img, 0, false)
				return
			}
			if err := tab.Store(i, h.entry); err != nil {
				log.WithError(err).WithField("image", img.Name()).Warn("failed to patch slot")
				h.publish(snap, img, 0, false)
				return
			}
			log.WithFields(log.Fields{
				"image":  img.Name(),
				"kind":   tab.Kind().String(),
				"slot":   i,
				"symbol": name,
			}).Debug("hooked raise entry point")
			// The target appears at most once per image's tables.
			h.publish(snap, img, orig, true)
			return
		}
	}
	h.publish(snap, img, 0, false)
}

// publish rebuilds the raise-path snapshot with img appended and, when
// hooked, its original pointer recorded. Caller holds h.mu.
func (h *Hooker) publish(old *snapshot, img image.Image, orig uintptr, hooked bool) {
	next := &snapshot{
		images:    append(append([]image.Image{}, old.images...), img),
		originals: make(map[uint64]uintptr, len(old.originals)+1),
	}
	for k, v := range old.originals {
		next.originals[k] = v
	}
	if hooked {
		next.originals[img.Base()] = orig
	}
	h.snap.Store(next)
}

// Raise is the interceptor routine patched over the target slot. It runs
// synchronously at the moment of the throw: callback first, while the stack
// is still valid, then chain to the raising image's original binding with
// the arguments untouched. A failed lookup drops through without chaining;
// losing the raise side effect beats crashing inside the interceptor.
func (h *Hooker) Raise(args RaiseArgs, callers []uintptr) {
	if h.callback != nil {
		h.callback(args, callers)
	}

	snap := h.snap.Load()
	depth := min(len(callers), maxCallerDepth)
	for _, pc := range callers[:depth] {
		img := snap.imageFor(pc)
		if img == nil {
			continue
		}
		orig, ok := snap.originals[img.Base()]
		if !ok {
			break
		}
		if fn, ok := h.exec.Resolve(orig); ok {
			fn(args, callers)
			return
		}
		break
	}
	log.Error("no original raise binding found; dropping throw")
}
