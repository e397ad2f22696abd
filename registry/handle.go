// handle.go implements C10: reference-counted interface handles. Grounded
// on the strong/weak pairing the teacher uses for supervised children in
// kernel/threads/supervisor (restart counts mutated under the owning
// struct's lock, never their own), translated here into the registry's
// own lock guarding every strong/weak count (spec §5 "Shared resources").
package registry

import "github.com/nmxmxh/corerun/errs"

// StrongHandle owns one strong reference to a published interface (spec
// §4.10). The zero value is not a valid handle; only Registry.FindInterface
// and WeakHandle.Upgrade produce one.
type StrongHandle struct {
	reg *Registry
	id  uint64
}

func (h StrongHandle) entry() *interfaceEntry {
	return h.reg.ifaceByID[h.id]
}

// Name, Namespace and Version answer the interface's published identity
// (spec §4.10: "carry enough metadata to answer name(), namespace(),
// version()").
func (h StrongHandle) Name() string {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	return h.entry().name
}

func (h StrongHandle) Namespace() string {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	return h.entry().namespace
}

func (h StrongHandle) Version() Version {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	return h.entry().version
}

// Value projects to the interface's typed opaque pointer. The VTable
// layout it describes is declared by the interface's own schema, which is
// out of scope for the registry (spec §4.10).
func (h StrongHandle) Value() any {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	return h.entry().value
}

// Clone increments the strong count and returns a new handle over the
// same interface (spec's clone; R2: clone then drop leaves the strong
// count unchanged).
func (h StrongHandle) Clone() StrongHandle {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	h.entry().strong++
	return StrongHandle{reg: h.reg, id: h.id}
}

// Drop decrements the strong count (spec's drop). If this was the last
// strong reference and the owning module is marked unloadable with no
// other live interfaces, the module is unloaded immediately.
func (h StrongHandle) Drop() {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	e := h.entry()
	if e == nil {
		return
	}
	e.strong--
	m := e.module
	if !m.unloadable {
		return
	}
	h.reg.retireZeroStrongInterfacesLocked(m)
	if livePublished(m) == 0 {
		h.reg.unloadModuleLocked(m)
	}
}

// Downgrade produces a WeakHandle over the same interface, which owns no
// count (spec §4.10: "a weak handle owns no count").
func (h StrongHandle) Downgrade() WeakHandle {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	return WeakHandle{reg: h.reg, id: h.id, generation: h.entry().generation}
}

// WeakHandle is a non-owning (id, generation) reference to a published
// interface (spec §4.8/§4.10; SPEC_FULL §12.1). It can outlive the
// interface it points to.
type WeakHandle struct {
	reg        *Registry
	id         uint64
	generation uint64
}

// Upgrade verifies the stored generation against the interface slot's
// current generation and, if it still matches a live entry, bumps the
// strong count and returns a new StrongHandle (spec: "upgrading a weak
// ref verifies the generation and atomically bumps the strong count").
// Fails closed with NotFound once the interface has been unloaded —
// SPEC_FULL §12.1's generation check against a stale (id, generation)
// pair, rather than silently resurrecting a reused id.
func (w WeakHandle) Upgrade() (StrongHandle, error) {
	w.reg.mu.Lock()
	defer w.reg.mu.Unlock()
	e, ok := w.reg.ifaceByID[w.id]
	if !ok || !e.live || e.generation != w.generation {
		return StrongHandle{}, errs.NotFound("weak handle no longer resolves to a live interface")
	}
	e.strong++
	return StrongHandle{reg: w.reg, id: w.id}, nil
}
