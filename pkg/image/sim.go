package image

import (
	"sync"

	"github.com/pkg/errors"
)

// Sim is a synthetic in-memory image used by tests and by hosts that want to
// exercise the hooking machinery without a live dynamic loader. Its pointer
// tables are plain slices; slot values are opaque handles.
type Sim struct {
	name   string
	base   uint64
	size   uint64
	slide  uint64
	tables []Table
}

// SimTableSpec seeds one pointer table of a Sim image.
type SimTableSpec struct {
	Kind  TableKind
	Names []string // "" marks a local/absolute slot
	Slots []uintptr
}

// NewSim builds a synthetic image. len(Names) must equal len(Slots) for
// every table spec.
func NewSim(name string, base, size, slide uint64, specs ...SimTableSpec) *Sim {
	img := &Sim{name: name, base: base, size: size, slide: slide}
	for _, spec := range specs {
		slots := make([]uintptr, len(spec.Slots))
		copy(slots, spec.Slots)
		names := make([]string, len(spec.Names))
		copy(names, spec.Names)
		img.tables = append(img.tables, &simTable{kind: spec.Kind, names: names, slots: slots})
	}
	return img
}

func (s *Sim) Name() string  { return s.name }
func (s *Sim) Base() uint64  { return s.base }
func (s *Sim) Slide() uint64 { return s.slide }

func (s *Sim) Contains(addr uintptr) bool {
	return uint64(addr) >= s.base && uint64(addr) < s.base+s.size
}

func (s *Sim) Tables() []Table { return s.tables }

type simTable struct {
	kind  TableKind
	names []string

	mu    sync.Mutex
	slots []uintptr
}

func (t *simTable) Kind() TableKind { return t.kind }
func (t *simTable) Len() int        { return len(t.names) }

func (t *simTable) SymbolName(i int) (string, bool) {
	if i < 0 || i >= len(t.names) || t.names[i] == "" {
		return "", false
	}
	return t.names[i], true
}

func (t *simTable) Load(i int) (uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.slots) {
		return 0, errors.Errorf("slot %d out of range", i)
	}
	return t.slots[i], nil
}

func (t *simTable) Store(i int, fn uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.slots) {
		return errors.Errorf("slot %d out of range", i)
	}
	t.slots[i] = fn
	return nil
}

// SimWalker is a Walker over synthetic images. Add stands in for the dynamic
// loader mapping a new image.
type SimWalker struct {
	mu        sync.Mutex
	images    []Image
	callbacks []func(Image)
}

func NewSimWalker(imgs ...Image) *SimWalker {
	w := &SimWalker{}
	w.images = append(w.images, imgs...)
	return w
}

func (w *SimWalker) Images() []Image {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Image, len(w.images))
	copy(out, w.images)
	return out
}

// OnLoad replays fn over every image already mapped, then keeps it for
// future loads. Callbacks are never dropped.
func (w *SimWalker) OnLoad(fn func(Image)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
	for _, img := range w.images {
		fn(img)
	}
}

// Add maps a new image and notifies every registered callback, the way the
// loader would on the loading thread.
func (w *SimWalker) Add(img Image) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.images = append(w.images, img)
	for _, fn := range w.callbacks {
		fn(img)
	}
}
