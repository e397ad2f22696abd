// loadingset.go implements C9: the staged, all-or-nothing transaction over
// a Registry. Grounded on the teacher's validateDependencies pass in
// kernel/threads/registry/loader.go (collect entries, check them as a
// batch, fail the whole load on any mismatch) — adapted from a single
// dependency-presence check into the full spec §4.9 four-rule validation,
// with failures aggregated by go.uber.org/multierr so every implicated
// module's error callback receives just the failures that name it.
package registry

import (
	"go.uber.org/multierr"

	"github.com/nmxmxh/corerun/errs"
)

// Disposition is what a with_loading_set callback returns to decide the
// transaction's outcome (spec's with_loading_set(f) -> Commit | Dismiss).
type Disposition int

const (
	Dismiss Disposition = iota
	Commit
)

type pendingModule struct {
	name         string
	loaderTag    string
	path         string
	image        *ModuleImage
	accepted     []Export
	freestanding bool
	onSuccess    func()
	onError      func(error)
}

// LoadingSet stages a batch of modules against a Registry (spec §4.9).
// Not safe for concurrent use by multiple goroutines — one loading set is
// a single-threaded staging area, serialized against others only at
// commit time by the registry lock.
type LoadingSet struct {
	id        string
	reg       *Registry
	resolver  LibraryResolver
	loaderTag string

	pending      []*pendingModule
	pendingNames map[string]int // name -> index into pending, for RegisterCallback
}

// WithLoadingSet opens a loading set against r, runs f, and commits or
// dismisses per f's returned Disposition (spec's with_loading_set(f)).
// resolver backs append_from_path; loaderTag names which registered
// Loader interprets each resolved image (spec §4.8's loader/module
// relationship carried into §4.9 admission).
func (r *Registry) WithLoadingSet(resolver LibraryResolver, loaderTag string, f func(ls *LoadingSet) Disposition) error {
	ls := &LoadingSet{
		id:           transactionID(),
		reg:          r,
		resolver:     resolver,
		loaderTag:    loaderTag,
		pendingNames: make(map[string]int),
	}

	disp := f(ls)
	if disp == Dismiss {
		ls.fireAll(errs.Cancelled("loading set dismissed"))
		log.Debug().Str("txn", ls.id).Msg("loading set dismissed by caller")
		return nil
	}
	return ls.commit()
}

// ExportFilter decides whether one export from a resolved module image
// should be admitted into the loading set's pending list.
type ExportFilter func(Export) bool

// AcceptAll is an ExportFilter that admits every export.
func AcceptAll(Export) bool { return true }

// AppendFromPath resolves path via the set's resolver, applies filter to
// each export, and stages a pending module from the ones accepted (spec's
// append_from_path(path, filter)).
func (ls *LoadingSet) AppendFromPath(path string, filter ExportFilter) error {
	if ls.resolver == nil {
		return errs.InvalidArgument("loading set has no resolver configured")
	}
	img, err := ls.resolver.Resolve(path)
	if err != nil {
		return errs.Wrap(errs.KindNotFound, err, "resolving "+path)
	}
	var accepted []Export
	for _, e := range img.Exports {
		if filter == nil || filter(e) {
			accepted = append(accepted, e)
		}
	}
	ls.stage(&pendingModule{name: img.Name, loaderTag: ls.loaderTag, path: path, image: img, accepted: accepted})
	return nil
}

// AppendFreestanding stages a pending module backed by a single
// caller-owned export with no resolver round trip (spec's
// append_freestanding(export); lifetime contract: the caller guarantees
// export outlives the resulting interface instance).
func (ls *LoadingSet) AppendFreestanding(moduleName string, export Export, imports []ImportSpec) {
	ls.stage(&pendingModule{
		name:         moduleName,
		image:        &ModuleImage{Name: moduleName, Exports: []Export{export}, Imports: imports},
		accepted:     []Export{export},
		freestanding: true,
	})
}

func (ls *LoadingSet) stage(pm *pendingModule) {
	ls.pendingNames[pm.name] = len(ls.pending)
	ls.pending = append(ls.pending, pm)
}

// RegisterCallback attaches success/error callbacks to the pending module
// named moduleName (spec's register_callback(module_name, callback)).
// Returns NotFound if no pending module by that name has been staged yet.
func (ls *LoadingSet) RegisterCallback(moduleName string, onSuccess func(), onError func(error)) error {
	idx, ok := ls.pendingNames[moduleName]
	if !ok {
		return errs.NotFound("no pending module: " + moduleName)
	}
	ls.pending[idx].onSuccess = onSuccess
	ls.pending[idx].onError = onError
	return nil
}

func (ls *LoadingSet) fireAll(cause error) {
	for _, pm := range ls.pending {
		if pm.onError != nil {
			pm.onError(cause)
		}
	}
}

// commit runs the four validation rules from spec §4.9, and on success
// inserts every pending module in topological order, publishes its
// interfaces, and fires success callbacks; on failure fires every
// implicated module's error callback and leaves the registry untouched
// (I6).
func (ls *LoadingSet) commit() error {
	r := ls.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	failures := ls.validateLocked()
	if len(failures) > 0 {
		agg := aggregateFailures(failures)
		for _, pm := range ls.pending {
			if errsFor := failures[pm.name]; len(errsFor) > 0 {
				if pm.onError != nil {
					pm.onError(multierr.Combine(errsFor...))
				}
			} else if pm.onError != nil {
				pm.onError(errs.Cancelled("sibling module failed validation in the same loading set"))
			}
		}
		log.Warn().Str("txn", ls.id).Err(agg).Msg("loading set commit rejected")
		return agg
	}

	order, err := ls.topoOrderLocked()
	if err != nil {
		// Rule 4 (cycle) already folds into validateLocked in the normal
		// path; this is a defensive fallback that should be unreachable.
		for _, pm := range ls.pending {
			if pm.onError != nil {
				pm.onError(err)
			}
		}
		return err
	}

	for _, idx := range order {
		pm := ls.pending[idx]
		r.publishLocked(pm.loaderTag, pm.path, pm.image, pm.accepted)
		if pm.freestanding {
			log.Debug().Str("txn", ls.id).Str("module", pm.name).Msg("published freestanding module")
		}
		if pm.onSuccess != nil {
			pm.onSuccess()
		}
	}
	log.Info().Str("txn", ls.id).Int("modules", len(ls.pending)).Msg("loading set committed")
	return nil
}

func aggregateFailures(failures map[string][]error) error {
	var agg error
	for _, errsFor := range failures {
		agg = multierr.Append(agg, multierr.Combine(errsFor...))
	}
	return agg
}

// validateLocked runs the four rules in spec §4.9 and returns, for every
// pending module with at least one failure, the list of errors naming it.
func (ls *LoadingSet) validateLocked() map[string][]error {
	failures := make(map[string][]error)
	add := func(name string, err error) { failures[name] = append(failures[name], err) }

	// Rule 1: no two pending modules share a name.
	seen := make(map[string]int)
	for _, pm := range ls.pending {
		seen[pm.name]++
	}
	for name, n := range seen {
		if n > 1 {
			add(name, errs.AlreadyExists("duplicate pending module name: "+name))
		}
	}

	// Rule 2: no pending interface collides with another pending
	// interface or an already-published one, under §4.8's uniqueness key
	// (name, namespace, version.major).
	type majorKey struct {
		name, namespace string
		major           uint32
	}
	seenIface := make(map[majorKey]string) // key -> owning pending module name
	for _, pm := range ls.pending {
		for _, exp := range pm.accepted {
			k := majorKey{exp.Name, exp.Namespace, exp.Version.Major}
			if owner, ok := seenIface[k]; ok && owner != pm.name {
				add(pm.name, errs.AlreadyExists("interface collides with pending module "+owner+": "+exp.Name))
				add(owner, errs.AlreadyExists("interface collides with pending module "+pm.name+": "+exp.Name))
				continue
			}
			seenIface[k] = pm.name
			for _, e := range ls.reg.ifaceIndex[ifaceKey{exp.Name, exp.Namespace}] {
				if e.live && e.version.Major == exp.Version.Major {
					add(pm.name, errs.AlreadyExists("interface already published: "+exp.Name))
				}
			}
		}
	}

	// Rule 3: every pending import must be satisfiable by an
	// already-published interface or by another pending module's export.
	for _, pm := range ls.pending {
		for _, imp := range pm.image.Imports {
			if ls.satisfiedByPending(imp, pm.name) {
				continue
			}
			if ls.satisfiedByPublishedLocked(imp) {
				continue
			}
			add(pm.name, errs.NotFound("unsatisfied import: "+imp.Name+"/"+imp.Namespace))
		}
	}

	// Rule 4: no import cycle across pending modules.
	if _, err := ls.topoOrderLocked(); err != nil {
		for _, pm := range ls.pending {
			add(pm.name, err)
		}
	}

	return failures
}

func (ls *LoadingSet) satisfiedByPending(imp ImportSpec, excludeModule string) bool {
	for _, pm := range ls.pending {
		if pm.name == excludeModule {
			continue
		}
		for _, exp := range pm.accepted {
			if exp.Name == imp.Name && exp.Namespace == imp.Namespace &&
				exp.Version.Compatible(imp.Version) && hasAll(exp.Extensions, keys(imp.Extensions)) {
				return true
			}
		}
	}
	return false
}

func (ls *LoadingSet) satisfiedByPublishedLocked(imp ImportSpec) bool {
	for _, e := range ls.reg.ifaceIndex[ifaceKey{imp.Name, imp.Namespace}] {
		if e.live && e.version.Compatible(imp.Version) && hasAll(e.extensions, keys(imp.Extensions)) {
			return true
		}
	}
	return false
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// topoOrderLocked builds the pending-satisfies-pending dependency graph
// and returns a topological order of pending indices, or an error if it
// contains a cycle (spec §4.9 rule 4).
func (ls *LoadingSet) topoOrderLocked() ([]int, error) {
	n := len(ls.pending)
	edges := make([][]int, n) // edges[i] = modules i depends on
	for i, pm := range ls.pending {
		for _, imp := range pm.image.Imports {
			for j, other := range ls.pending {
				if j == i {
					continue
				}
				for _, exp := range other.accepted {
					if exp.Name == imp.Name && exp.Namespace == imp.Namespace && exp.Version.Compatible(imp.Version) {
						edges[i] = append(edges[i], j)
					}
				}
			}
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make([]int, n)
	var order []int
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, j := range edges[i] {
			switch color[j] {
			case gray:
				return errs.InvalidArgument("import cycle involving pending module " + ls.pending[i].name)
			case white:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		color[i] = black
		order = append(order, i)
		return nil
	}
	for i := 0; i < n; i++ {
		if color[i] == white {
			if err := visit(i); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}
