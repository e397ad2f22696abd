// Package registry implements C8: the module registry — a content-
// addressed catalog of loaders, loaded modules, and published interface
// instances, plus the strong/weak reference-count discipline over
// interfaces (spec §4.8). Grounded on the teacher's
// kernel/threads/registry.ModuleRegistry: a name-keyed module map, a
// version-aware compatibility check, and one mutex guarding both —
// adapted from a SharedArrayBuffer-backed binary format to plain Go
// structs, since there is no shared-memory wire layout to parse here.
package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nmxmxh/corerun/errs"
	"github.com/nmxmxh/corerun/logging"
)

var log = logging.For("registry")

// Version is a module/interface's (major, minor, patch) triple (spec
// §4.8 compatibility rule: "major equal, stored minor/patch >= requested").
type Version struct {
	Major, Minor, Patch uint32
}

// Compatible reports whether v can satisfy a lookup requesting want: equal
// major, and v's (minor, patch) at least want's.
func (v Version) Compatible(want Version) bool {
	if v.Major != want.Major {
		return false
	}
	if v.Minor != want.Minor {
		return v.Minor > want.Minor
	}
	return v.Patch >= want.Patch
}

// Less orders versions for candidate ranking ("pick the greatest
// version" — spec §4.8).
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

// Export is one interface a module image publishes (spec §4.8/§4.9).
// Extensions is the guaranteed tag set a lookup's required set is checked
// against; Optional widens what a lookup may still prefer without
// affecting whether it matches (SPEC_FULL §12.2).
type Export struct {
	Name       string
	Namespace  string
	Version    Version
	Extensions map[string]struct{}
	Optional   map[string]struct{}
	Value      any
}

// ImportSpec is one dependency a module image requires to be already
// published (or published alongside it in the same loading set) before it
// can be committed (spec §4.9 validation rule 3).
type ImportSpec struct {
	Name       string
	Namespace  string
	Version    Version
	Extensions map[string]struct{}
}

// ModuleImage is what a Loader produces for one filesystem path: the
// module's name, its published exports, and the imports it requires.
type ModuleImage struct {
	Name    string
	Exports []Export
	Imports []ImportSpec
}

// Loader maps a filesystem path to a module image (spec §4.8 "loader...
// supplies a function that maps a filesystem path to a module image").
type Loader interface {
	Load(path string) (*ModuleImage, error)
}

// LoaderFunc adapts a plain function to the Loader interface.
type LoaderFunc func(path string) (*ModuleImage, error)

func (f LoaderFunc) Load(path string) (*ModuleImage, error) { return f(path) }

// Unmapper is an optional capability a Loader may implement: unmapping a
// module's image when it unloads (spec §4.8 "if supported"). Failure to
// unmap is logged, never fatal.
type Unmapper interface {
	Unmap(image *ModuleImage) error
}

type moduleEntry struct {
	name       string
	loaderTag  string
	path       string
	image      *ModuleImage
	strong     int64
	weak       int64
	unloadable bool
	interfaces []*interfaceEntry
}

type interfaceEntry struct {
	id         uint64
	generation uint64
	name       string
	namespace  string
	version    Version
	extensions map[string]struct{}
	optional   map[string]struct{}
	value      any
	module     *moduleEntry
	strong     int64
	weak       int64
	live       bool
}

// ManifestSource describes a batch of modules to load — the narrow
// interface spec.md §1 names as consumed, not implemented, by the core
// (SPEC_FULL §10.5). A concrete adapter lives in manifest/tomlmanifest.
type ManifestSource interface {
	Descriptors() ([]ModuleDescriptor, error)
}

// ModuleDescriptor is one manifest entry: where to find a module, which
// loader resolves it, and which extension tags the caller requires.
type ModuleDescriptor struct {
	Path       string
	LoaderTag  string
	Extensions []string
}

// LibraryResolver is the narrow "dynamic library resolver" interface
// spec.md §1 names; a concrete adapter lives in resolver/wasmresolver.
// A Loader typically wraps one LibraryResolver.
type LibraryResolver interface {
	Resolve(path string) (*ModuleImage, error)
}

// Registry is the process-wide (or per-group, callers decide) catalog of
// loaders, modules, and interfaces (spec §4.8).
type Registry struct {
	mu sync.Mutex

	loaders map[string]Loader
	modules map[string]*moduleEntry

	// ifaceIndex groups published interfaces by (name, namespace) in
	// insertion order, so "tie-break by insertion order" (spec §4.8) falls
	// out of a stable scan rather than needing a separate counter.
	ifaceIndex map[ifaceKey][]*interfaceEntry
	ifaceByID  map[uint64]*interfaceEntry
	nextIfaceID uint64
}

type ifaceKey struct{ name, namespace string }

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		loaders:    make(map[string]Loader),
		modules:    make(map[string]*moduleEntry),
		ifaceIndex: make(map[ifaceKey][]*interfaceEntry),
		ifaceByID:  make(map[uint64]*interfaceEntry),
	}
}

// RegisterLoader adds loader under tag (spec's register_loader(tag,
// loader)).
func (r *Registry) RegisterLoader(tag string, loader Loader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.loaders[tag]; exists {
		return errs.AlreadyExists("loader already registered: " + tag)
	}
	r.loaders[tag] = loader
	return nil
}

// UnregisterLoader removes the loader keyed by tag (spec's
// unregister_loader(tag); R1: round-trips to an equal state provided no
// modules were loaded through it).
func (r *Registry) UnregisterLoader(tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.loaders[tag]; !exists {
		return errs.NotFound("loader not registered: " + tag)
	}
	delete(r.loaders, tag)
	return nil
}

// ModuleInfo is a read-only snapshot of one registered module.
type ModuleInfo struct {
	Name       string
	LoaderTag  string
	Path       string
	Strong     int64
	Weak       int64
	Unloadable bool
	Interfaces int
}

// FindModule returns a snapshot of the named module (spec's
// find_module(name)).
func (r *Registry) FindModule(name string) (ModuleInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return ModuleInfo{}, errs.NotFound("module not found: " + name)
	}
	return ModuleInfo{
		Name: m.name, LoaderTag: m.loaderTag, Path: m.path,
		Strong: m.strong, Weak: m.weak, Unloadable: m.unloadable,
		Interfaces: len(m.interfaces),
	}, nil
}

// Modules returns a snapshot of every currently published module, keyed by
// the name each module actually registered under — not the path it was
// resolved from, since the two are independent (spec §4.8: a module's
// identity is its descriptor's own name). Callers that only have a
// manifest's paths (e.g. `corerund modules list`) should use this instead
// of guessing a module's name from its path.
func (r *Registry) Modules() []ModuleInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ModuleInfo, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, ModuleInfo{
			Name: m.name, LoaderTag: m.loaderTag, Path: m.path,
			Strong: m.strong, Weak: m.weak, Unloadable: m.unloadable,
			Interfaces: len(m.interfaces),
		})
	}
	return out
}

// FindInterface looks up a published interface by (name, namespace,
// version, extensions) and returns a strong handle (spec's
// find_interface(...) -> strong handle; spec §4.8 matching rule).
// preferred extension tags refine ranking among otherwise-tied candidates
// via each candidate's Optional set (SPEC_FULL §12.2); they never affect
// whether the call succeeds.
func (r *Registry) FindInterface(name, namespace string, want Version, required, preferred []string) (StrongHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.ifaceIndex[ifaceKey{name, namespace}]
	var best *interfaceEntry
	for _, e := range candidates {
		if !e.live || !e.version.Compatible(want) {
			continue
		}
		if !hasAll(e.extensions, required) {
			continue
		}
		if best == nil || best.version.Less(e.version) {
			best = e
			continue
		}
		if e.version == best.version && rankPreferred(e, preferred) > rankPreferred(best, preferred) {
			best = e
		}
	}
	if best == nil {
		return StrongHandle{}, errs.NotFound("no compatible interface: " + name + "/" + namespace)
	}
	best.strong++
	return StrongHandle{reg: r, id: best.id}, nil
}

func hasAll(have map[string]struct{}, required []string) bool {
	for _, tag := range required {
		if _, ok := have[tag]; !ok {
			return false
		}
	}
	return true
}

func rankPreferred(e *interfaceEntry, preferred []string) int {
	n := 0
	for _, tag := range preferred {
		if _, ok := e.optional[tag]; ok {
			n++
		}
	}
	return n
}

// MarkUnloadable flags a module as eligible for removal once its strong
// count reaches zero (spec's mark_unloadable(module)).
func (r *Registry) MarkUnloadable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return errs.NotFound("module not found: " + name)
	}
	m.unloadable = true
	return nil
}

// PruneUnloadable attempts the unload flow (spec §4.8) for every module
// marked unloadable: any of its interface instances whose strong count has
// reached zero is unpublished, and once none remain published the module
// itself is removed. Returns the module names actually removed.
func (r *Registry) PruneUnloadable() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var unloaded []string
	for name, m := range r.modules {
		if !m.unloadable {
			continue
		}
		r.retireZeroStrongInterfacesLocked(m)
		if livePublished(m) == 0 {
			r.unloadModuleLocked(m)
			unloaded = append(unloaded, name)
		}
	}
	sort.Strings(unloaded)
	return unloaded
}

// retireZeroStrongInterfacesLocked unpublishes every interface of m whose
// strong count has reached zero (spec §4.8: "when an instance's strong
// count reaches zero... the module is removed" — applied per instance,
// with the module itself following once none remain published).
func (r *Registry) retireZeroStrongInterfacesLocked(m *moduleEntry) {
	for _, e := range m.interfaces {
		if e.live && e.strong == 0 {
			r.unpublishInterfaceLocked(e)
		}
	}
}

func (r *Registry) unpublishInterfaceLocked(e *interfaceEntry) {
	e.live = false
	delete(r.ifaceByID, e.id)
	k := ifaceKey{e.name, e.namespace}
	list := r.ifaceIndex[k]
	for i, cand := range list {
		if cand == e {
			r.ifaceIndex[k] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func livePublished(m *moduleEntry) int {
	n := 0
	for _, e := range m.interfaces {
		if e.live {
			n++
		}
	}
	return n
}

func (r *Registry) unloadModuleLocked(m *moduleEntry) {
	delete(r.modules, m.name)
	for _, e := range m.interfaces {
		e.live = false
		delete(r.ifaceByID, e.id)
	}
	loader, ok := r.loaders[m.loaderTag]
	if ok {
		if um, ok := loader.(Unmapper); ok {
			if err := um.Unmap(m.image); err != nil {
				log.Warn().Err(err).Str("module", m.name).Msg("image unmap failed, continuing")
			}
		}
	}
	log.Info().Str("module", m.name).Msg("module unloaded")
}

// publishLocked installs one module's accepted exports into the registry.
// Called only from loadingset commit, under r.mu already held.
func (r *Registry) publishLocked(loaderTag, path string, image *ModuleImage, accepted []Export) *moduleEntry {
	m := &moduleEntry{name: image.Name, loaderTag: loaderTag, path: path, image: image}
	for _, exp := range accepted {
		r.nextIfaceID++
		e := &interfaceEntry{
			id:         r.nextIfaceID,
			generation: r.nextIfaceID,
			name:       exp.Name,
			namespace:  exp.Namespace,
			version:    exp.Version,
			extensions: exp.Extensions,
			optional:   exp.Optional,
			value:      exp.Value,
			module:     m,
			live:       true,
		}
		m.interfaces = append(m.interfaces, e)
		k := ifaceKey{exp.Name, exp.Namespace}
		r.ifaceIndex[k] = append(r.ifaceIndex[k], e)
		r.ifaceByID[e.id] = e
	}
	r.modules[m.name] = m
	return m
}

// transactionID mints an opaque id for one loading-set commit/dismiss,
// used only for log correlation (SPEC_FULL §11: uuid used "where the spec
// leaves the id type open").
func transactionID() string { return uuid.NewString() }
