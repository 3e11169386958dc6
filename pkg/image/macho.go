package image

import (
	"github.com/blacktop/go-macho"
	"github.com/pkg/errors"
)

const (
	sectionTypeMask        = 0xff
	sNonLazySymbolPointers = 0x6
	sLazySymbolPointers    = 0x7

	ptrSize = 8
)

// MachO is an Image backed by a Mach-O file on disk plus the address it was
// mapped at. Slot reads and writes go through the supplied Memory.
type MachO struct {
	name   string
	base   uint64
	end    uint64
	slide  uint64
	tables []Table
}

// Open parses the Mach-O at path and describes it as mapped with the given
// ASLR slide (zero for offline inspection at the preferred address). The
// pointer tables and their bound symbol names are resolved once here; the
// image is read-only afterwards.
func Open(path string, slide uint64, mem Memory) (*MachO, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	defer f.Close()

	text := f.Segment("__TEXT")
	if text == nil {
		return nil, errors.Errorf("%s has no __TEXT segment", path)
	}

	img := &MachO{name: path, slide: slide, base: text.Addr + slide}
	img.end = img.base

	for _, seg := range f.Segments() {
		if end := seg.Addr + seg.Memsz + img.slide; end > img.end {
			img.end = end
		}
	}

	for _, sec := range f.Sections {
		var kind TableKind
		switch uint32(sec.Flags) & sectionTypeMask {
		case sLazySymbolPointers:
			kind = LazyPointers
		case sNonLazySymbolPointers:
			kind = NonLazyPointers
		default:
			continue
		}
		if f.Symtab == nil || f.Dysymtab == nil {
			return nil, errors.Errorf("%s has symbol-pointer sections but no symbol tables", path)
		}
		count := int(sec.Size / ptrSize)
		names := make([]string, count)
		for i := 0; i < count; i++ {
			idx := int(sec.Reserved1) + i
			if idx >= len(f.Dysymtab.IndirectSyms) {
				break
			}
			entry := f.Dysymtab.IndirectSyms[idx]
			if entry&(IndirectSymbolLocal|IndirectSymbolAbs) != 0 {
				continue
			}
			if int(entry) < len(f.Symtab.Syms) {
				names[i] = f.Symtab.Syms[entry].Name
			}
		}
		img.tables = append(img.tables, &machoTable{
			kind:  kind,
			addr:  sec.Addr + img.slide,
			names: names,
			mem:   mem,
		})
	}

	return img, nil
}

func (m *MachO) Name() string  { return m.name }
func (m *MachO) Base() uint64  { return m.base }
func (m *MachO) Slide() uint64 { return m.slide }

func (m *MachO) Contains(addr uintptr) bool {
	return uint64(addr) >= m.base && uint64(addr) < m.end
}

func (m *MachO) Tables() []Table { return m.tables }

type machoTable struct {
	kind  TableKind
	addr  uint64
	names []string
	mem   Memory
}

func (t *machoTable) Kind() TableKind { return t.kind }
func (t *machoTable) Len() int        { return len(t.names) }

func (t *machoTable) SymbolName(i int) (string, bool) {
	if i < 0 || i >= len(t.names) || t.names[i] == "" {
		return "", false
	}
	return t.names[i], true
}

func (t *machoTable) Load(i int) (uintptr, error) {
	return t.mem.LoadPointer(t.addr + uint64(i)*ptrSize)
}

func (t *machoTable) Store(i int, fn uintptr) error {
	return t.mem.StorePointer(t.addr+uint64(i)*ptrSize, fn)
}
