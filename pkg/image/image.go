// Package image enumerates the Mach-O images mapped into a process and
// exposes their bound function-pointer tables for inspection and rebinding.
package image

// Indirect symbol table entries that don't name a real symbol. Slots bound
// to these can never be rebound by name.
const (
	IndirectSymbolLocal uint32 = 0x80000000
	IndirectSymbolAbs   uint32 = 0x40000000
)

// TableKind says which flavor of symbol-pointer section a table came from.
type TableKind int

const (
	// LazyPointers is a __la_symbol_ptr style section (bound on first call).
	LazyPointers TableKind = iota
	// NonLazyPointers is a __got style section (bound at load time).
	NonLazyPointers
)

func (k TableKind) String() string {
	switch k {
	case LazyPointers:
		return "lazy"
	case NonLazyPointers:
		return "non-lazy"
	default:
		return "unknown"
	}
}

// Table is one writable section of externally-bound function pointers.
// Slot indices run from 0 to Len()-1.
type Table interface {
	Kind() TableKind
	Len() int

	// SymbolName resolves the name bound at slot i through the indirect
	// symbol table. ok is false for local/absolute entries, which cannot
	// be meaningfully hooked.
	SymbolName(i int) (name string, ok bool)

	// Load returns the current pointer value stored in slot i.
	Load(i int) (uintptr, error)

	// Store overwrites slot i with fn.
	Store(i int, fn uintptr) error
}

// Image is one executable image mapped into the process. Images are created
// by the dynamic loader and are read-only from this package's point of view;
// they live for the rest of the process lifetime.
type Image interface {
	Name() string

	// Base is the image's load address, used as its unique key.
	Base() uint64

	// Slide is the ASLR offset applied to the image's preferred addresses.
	Slide() uint64

	// Contains reports whether addr falls inside the image's mapped range.
	Contains(addr uintptr) bool

	// Tables returns the image's symbol-pointer tables. An image with no
	// such sections returns an empty slice.
	Tables() []Table
}

// Memory reads and writes pointer-sized slots inside mapped images. The
// process-backed implementation lives next to the hooking code since writing
// requires flipping page protections; tests use an in-memory implementation.
type Memory interface {
	LoadPointer(addr uint64) (uintptr, error)
	StorePointer(addr uint64, v uintptr) error
}

// Walker models the dynamic loader's view of the process.
type Walker interface {
	// Images returns the images currently mapped.
	Images() []Image

	// OnLoad registers fn to be called once for every currently mapped
	// image and once for every image mapped later. Registration lasts for
	// the remaining process lifetime; there is no way to unregister, since
	// any later-loaded image could still raise the hooked call. fn runs on
	// whatever goroutine is loading the image.
	OnLoad(fn func(Image))
}
