package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func v(major, minor, patch uint32) Version { return Version{Major: major, Minor: minor, Patch: patch} }

func TestVersionCompatible(t *testing.T) {
	assert.True(t, v(1, 2, 0).Compatible(v(1, 1, 0)))
	assert.True(t, v(1, 2, 0).Compatible(v(1, 2, 0)))
	assert.False(t, v(1, 1, 0).Compatible(v(1, 2, 0)))
	assert.False(t, v(2, 0, 0).Compatible(v(1, 0, 0)))
}

func TestRegisterLoaderDuplicate(t *testing.T) {
	r := New()
	loader := LoaderFunc(func(path string) (*ModuleImage, error) { return nil, nil })
	require.NoError(t, r.RegisterLoader("wasm", loader))
	err := r.RegisterLoader("wasm", loader)
	assert.True(t, errKindIs(err, "already exists"))
}

func TestUnregisterLoaderRoundTrip(t *testing.T) {
	// R1: register then unregister returns the registry to an
	// equal-by-content state, provided no modules were loaded through it.
	r := New()
	loader := LoaderFunc(func(path string) (*ModuleImage, error) { return nil, nil })
	require.NoError(t, r.RegisterLoader("wasm", loader))
	require.NoError(t, r.UnregisterLoader("wasm"))
	assert.Equal(t, 0, len(r.loaders))
}

func TestFindInterfaceVersionAndExtensionMatch(t *testing.T) {
	r := New()
	resolver := fakeResolver{image: &ModuleImage{
		Name: "math",
		Exports: []Export{{
			Name: "add", Namespace: "ns", Version: v(1, 2, 0),
			Extensions: set("simd"),
		}},
	}}
	err := r.WithLoadingSet(resolver, "fake", func(ls *LoadingSet) Disposition {
		require.NoError(t, ls.AppendFromPath("math.wasm", AcceptAll))
		return Commit
	})
	require.NoError(t, err)

	h, err := r.FindInterface("add", "ns", v(1, 0, 0), []string{"simd"}, nil)
	require.NoError(t, err)
	assert.Equal(t, v(1, 2, 0), h.Version())

	_, err = r.FindInterface("add", "ns", v(1, 3, 0), nil, nil)
	assert.Error(t, err, "requested minor above stored should not match")

	_, err = r.FindInterface("add", "ns", v(1, 0, 0), []string{"avx512"}, nil)
	assert.Error(t, err, "missing required extension should not match")
}

func TestLoadingSetDuplicateNameFailsClosed(t *testing.T) {
	// I6: a failed commit leaves the registry untouched.
	r := New()
	resolver := fakeResolver{image: &ModuleImage{
		Name:    "dup",
		Exports: []Export{{Name: "x", Namespace: "ns", Version: v(1, 0, 0)}},
	}}
	var errA error
	err := r.WithLoadingSet(resolver, "fake", func(ls *LoadingSet) Disposition {
		require.NoError(t, ls.AppendFromPath("a.wasm", AcceptAll))
		require.NoError(t, ls.AppendFromPath("a.wasm", AcceptAll))
		require.NoError(t, ls.RegisterCallback("dup", nil, func(e error) { errA = e }))
		return Commit
	})
	assert.Error(t, err)
	assert.Error(t, errA)
	_, findErr := r.FindModule("dup")
	assert.Error(t, findErr, "failed commit must not publish anything")
}

func TestLoadingSetInterfaceCollisionAcrossPendingModulesFailsClosed(t *testing.T) {
	// S6: two distinct modules in the same loading set both publish
	// "iX" v1.0.0 — Rule 2 must reject the whole commit, and both
	// modules' onError callbacks must fire, not just one.
	firstImg := &ModuleImage{
		Name:    "first",
		Exports: []Export{{Name: "iX", Namespace: "ns", Version: v(1, 0, 0)}},
	}
	secondImg := &ModuleImage{
		Name:    "second",
		Exports: []Export{{Name: "iX", Namespace: "ns", Version: v(1, 0, 0)}},
	}
	r := New()
	resolver := multiResolver{"first.wasm": firstImg, "second.wasm": secondImg}

	var errFirst, errSecond error
	err := r.WithLoadingSet(resolver, "fake", func(ls *LoadingSet) Disposition {
		require.NoError(t, ls.AppendFromPath("first.wasm", AcceptAll))
		require.NoError(t, ls.AppendFromPath("second.wasm", AcceptAll))
		require.NoError(t, ls.RegisterCallback("first", nil, func(e error) { errFirst = e }))
		require.NoError(t, ls.RegisterCallback("second", nil, func(e error) { errSecond = e }))
		return Commit
	})
	assert.Error(t, err)
	assert.Error(t, errFirst)
	assert.Error(t, errSecond)

	_, findErr := r.FindModule("first")
	assert.Error(t, findErr, "failed commit must not publish either module")
	_, findErr = r.FindModule("second")
	assert.Error(t, findErr, "failed commit must not publish either module")
}

func TestLoadingSetImportSatisfiedAcrossPendingModules(t *testing.T) {
	r := New()
	producerImg := &ModuleImage{
		Name:    "producer",
		Exports: []Export{{Name: "svc", Namespace: "ns", Version: v(1, 0, 0)}},
	}
	consumerImg := &ModuleImage{
		Name:    "consumer",
		Imports: []ImportSpec{{Name: "svc", Namespace: "ns", Version: v(1, 0, 0)}},
	}
	resolver := multiResolver{"producer.wasm": producerImg, "consumer.wasm": consumerImg}

	var successes []string
	err := r.WithLoadingSet(resolver, "fake", func(ls *LoadingSet) Disposition {
		require.NoError(t, ls.AppendFromPath("consumer.wasm", AcceptAll))
		require.NoError(t, ls.AppendFromPath("producer.wasm", AcceptAll))
		require.NoError(t, ls.RegisterCallback("producer", func() { successes = append(successes, "producer") }, nil))
		require.NoError(t, ls.RegisterCallback("consumer", func() { successes = append(successes, "consumer") }, nil))
		return Commit
	})
	require.NoError(t, err)
	// producer must publish before consumer's import is satisfied, so it
	// must appear first in the topological commit order.
	require.Len(t, successes, 2)
	assert.Equal(t, "producer", successes[0])
	assert.Equal(t, "consumer", successes[1])
}

func TestLoadingSetImportCycleRejected(t *testing.T) {
	aImg := &ModuleImage{
		Name:    "a",
		Exports: []Export{{Name: "a-iface", Namespace: "ns", Version: v(1, 0, 0)}},
		Imports: []ImportSpec{{Name: "b-iface", Namespace: "ns", Version: v(1, 0, 0)}},
	}
	bImg := &ModuleImage{
		Name:    "b",
		Exports: []Export{{Name: "b-iface", Namespace: "ns", Version: v(1, 0, 0)}},
		Imports: []ImportSpec{{Name: "a-iface", Namespace: "ns", Version: v(1, 0, 0)}},
	}
	r := New()
	resolver := multiResolver{"a.wasm": aImg, "b.wasm": bImg}
	err := r.WithLoadingSet(resolver, "fake", func(ls *LoadingSet) Disposition {
		require.NoError(t, ls.AppendFromPath("a.wasm", AcceptAll))
		require.NoError(t, ls.AppendFromPath("b.wasm", AcceptAll))
		return Commit
	})
	assert.Error(t, err)
}

func TestStrongHandleCloneDropPreservesCount(t *testing.T) {
	// R2: clone then drop on a strong handle leaves the strong count
	// unchanged.
	r := New()
	resolver := fakeResolver{image: &ModuleImage{
		Name:    "m",
		Exports: []Export{{Name: "iface", Namespace: "ns", Version: v(1, 0, 0)}},
	}}
	require.NoError(t, r.WithLoadingSet(resolver, "fake", func(ls *LoadingSet) Disposition {
		require.NoError(t, ls.AppendFromPath("m.wasm", AcceptAll))
		return Commit
	}))

	h, err := r.FindInterface("iface", "ns", v(1, 0, 0), nil, nil)
	require.NoError(t, err)
	before := h.entry().strong

	clone := h.Clone()
	clone.Drop()

	assert.Equal(t, before, h.entry().strong)
}

func TestWeakHandleUpgradeFailsClosedAfterUnload(t *testing.T) {
	r := New()
	resolver := fakeResolver{image: &ModuleImage{
		Name:    "m",
		Exports: []Export{{Name: "iface", Namespace: "ns", Version: v(1, 0, 0)}},
	}}
	require.NoError(t, r.WithLoadingSet(resolver, "fake", func(ls *LoadingSet) Disposition {
		require.NoError(t, ls.AppendFromPath("m.wasm", AcceptAll))
		return Commit
	}))

	h, err := r.FindInterface("iface", "ns", v(1, 0, 0), nil, nil)
	require.NoError(t, err)
	weak := h.Downgrade()

	require.NoError(t, r.MarkUnloadable("m"))
	h.Drop() // strong count hits zero with the module already marked unloadable: unload runs inline.

	_, findErr := r.FindModule("m")
	assert.Error(t, findErr, "module should already be unloaded")

	_, err = weak.Upgrade()
	assert.Error(t, err)
}

func TestModulesListsEveryPublishedModuleByItsOwnName(t *testing.T) {
	// A module's registered name comes from its own descriptor, not the
	// path it was resolved from (cmd/corerund's "modules list" relies on
	// this instead of guessing names from manifest paths).
	mathImg := &ModuleImage{
		Name:    "math",
		Exports: []Export{{Name: "add", Namespace: "ns", Version: v(1, 0, 0)}},
	}
	r := New()
	resolver := multiResolver{"modules/unrelated-filename.wasm": mathImg}
	require.NoError(t, r.WithLoadingSet(resolver, "fake", func(ls *LoadingSet) Disposition {
		require.NoError(t, ls.AppendFromPath("modules/unrelated-filename.wasm", AcceptAll))
		return Commit
	}))

	mods := r.Modules()
	require.Len(t, mods, 1)
	assert.Equal(t, "math", mods[0].Name)
	assert.Equal(t, "modules/unrelated-filename.wasm", mods[0].Path)
}

func TestPruneUnloadableNoOpWithoutUnloadableModules(t *testing.T) {
	r := New()
	// No modules marked unloadable: prune is a no-op.
	assert.Empty(t, r.PruneUnloadable())
}

// --- test doubles -------------------------------------------------------

type fakeResolver struct{ image *ModuleImage }

func (f fakeResolver) Resolve(path string) (*ModuleImage, error) { return f.image, nil }

type multiResolver map[string]*ModuleImage

func (m multiResolver) Resolve(path string) (*ModuleImage, error) { return m[path], nil }

func set(tags ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		out[t] = struct{}{}
	}
	return out
}

func errKindIs(err error, want string) bool {
	if err == nil {
		return false
	}
	return err.Error() == want || len(err.Error()) >= len(want) && err.Error()[:len(want)] == want
}
