//go:build unix

package hook

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ProcessMemory reads and writes pointer slots in this process's own address
// space. This file is the only place the package touches raw memory: writes
// briefly relax the containing page to read-write and restore it to
// read-only immediately after, since bound-pointer tables live in pages the
// loader protects after binding.
type ProcessMemory struct{}

func (ProcessMemory) LoadPointer(addr uint64) (uintptr, error) {
	if addr == 0 {
		return 0, errors.New("nil slot address")
	}
	return *(*uintptr)(unsafe.Pointer(uintptr(addr))), nil
}

func (ProcessMemory) StorePointer(addr uint64, v uintptr) error {
	if addr == 0 {
		return errors.New("nil slot address")
	}
	page := pageFor(uintptr(addr))
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrapf(err, "failed to unprotect page %#x", addr&^uint64(len(page)-1))
	}
	*(*uintptr)(unsafe.Pointer(uintptr(addr))) = v
	if err := unix.Mprotect(page, unix.PROT_READ); err != nil {
		return errors.Wrapf(err, "failed to reprotect page %#x", addr&^uint64(len(page)-1))
	}
	return nil
}

// pageFor returns the page containing addr as a byte slice suitable for
// Mprotect.
func pageFor(addr uintptr) []byte {
	size := os.Getpagesize()
	base := addr &^ uintptr(size-1)
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
}
