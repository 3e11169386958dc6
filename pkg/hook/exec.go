package hook

import "sync"

// FuncRegistry is an Exec that hands out opaque handles for Go functions.
// It backs the simulated loader and any host that drives the hook machinery
// from managed code; a raw-address Exec would sit behind the same interface.
//
// Handles start well above zero so they can never collide with a null slot.
type FuncRegistry struct {
	mu    sync.Mutex
	next  uintptr
	funcs map[uintptr]RaiseFunc
}

func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{next: 0x1000, funcs: make(map[uintptr]RaiseFunc)}
}

func (r *FuncRegistry) Register(fn RaiseFunc) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.next
	r.next += 0x10
	r.funcs[h] = fn
	return h
}

func (r *FuncRegistry) Resolve(p uintptr) (RaiseFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.funcs[p]
	return fn, ok
}
