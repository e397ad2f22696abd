// Package wasmresolver adapts github.com/wasmerio/wasmer-go into a
// registry.LibraryResolver (SPEC_FULL §10.5): a module "path" is a .wasm
// file, and resolving it compiles and instantiates that file, then calls a
// fixed exported function to learn what it publishes. Grounded on the
// teacher's wasm/executor.go, which already shows the
// engine/store/module/instance/GetFunction call sequence this resolver
// reuses; extended here to also read the instance's linear memory, which
// executor.go never needed since it only round-tripped opaque bytes
// through a "main" function.
package wasmresolver

import (
	"encoding/json"
	"os"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/corerun/errs"
	"github.com/nmxmxh/corerun/logging"
	"github.com/nmxmxh/corerun/registry"
)

var log = logging.For("resolver.wasm")

// descriptorExport is the fixed export name every resolvable module must
// provide (SPEC_FULL §10.5), named after
// original_source/rust/fimo_std/src/modules/info.rs's descriptor
// convention. It takes no arguments and returns (ptr, len) into the
// module's own "memory" export: a JSON-encoded wireDescriptor.
const descriptorExport = "fimo_module_descriptor"

// wireDescriptor is the JSON shape a .wasm module's descriptor export must
// produce. Kept deliberately flat (no nested extension-tag maps) since the
// wire format crosses a real FFI-ish boundary, unlike the rest of this
// repository's in-process registry types.
type wireDescriptor struct {
	Name    string        `json:"name"`
	Exports []wireExport  `json:"exports"`
	Imports []wireImport  `json:"imports"`
}

type wireVersion struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
	Patch uint32 `json:"patch"`
}

type wireExport struct {
	Name       string      `json:"name"`
	Namespace  string      `json:"namespace"`
	Version    wireVersion `json:"version"`
	Extensions []string    `json:"extensions"`
	Optional   []string    `json:"optional"`
}

type wireImport struct {
	Name       string      `json:"name"`
	Namespace  string      `json:"namespace"`
	Version    wireVersion `json:"version"`
	Extensions []string    `json:"extensions"`
}

// Resolver resolves .wasm module paths into registry.ModuleImage values.
// Implements registry.LibraryResolver.
type Resolver struct {
	engine *wasmer.Engine
}

// New builds a Resolver with a fresh wasmer engine.
func New() *Resolver {
	return &Resolver{engine: wasmer.NewEngine()}
}

// Resolve compiles and instantiates the .wasm file at path, calls its
// fimo_module_descriptor export, and decodes the result into a
// *registry.ModuleImage (SPEC_FULL §10.5).
func (r *Resolver) Resolve(path string) (*registry.ModuleImage, error) {
	store := wasmer.NewStore(r.engine)
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, err, "reading wasm module: "+path)
	}
	module, err := wasmer.NewModule(store, bytes)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, err, "compiling wasm module: "+path)
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, err, "instantiating wasm module: "+path)
	}

	descFn, err := instance.Exports.GetFunction(descriptorExport)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotSupported, err, path+" does not export "+descriptorExport)
	}
	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, errs.Wrap(errs.KindNotSupported, err, path+" does not export linear memory")
	}

	raw, err := descFn()
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, err, "calling "+descriptorExport)
	}
	ptr, length, err := ptrLenResult(raw)
	if err != nil {
		return nil, err
	}

	data := mem.Data()
	if int(ptr+length) > len(data) {
		return nil, errs.InvalidArgument("module descriptor points outside its own memory")
	}
	var wd wireDescriptor
	if err := json.Unmarshal(data[ptr:ptr+length], &wd); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, err, "decoding module descriptor")
	}

	log.Debug().Str("module", wd.Name).Str("path", path).Msg("resolved wasm module descriptor")
	return toModuleImage(wd), nil
}

// ptrLenResult unpacks the (ptr, len) pair fimo_module_descriptor returns.
// wasmer-go auto-boxes a multi-value WASM function's results as
// []interface{} of native Go numeric types (int32 for an i32 result).
func ptrLenResult(raw interface{}) (ptr, length int32, err error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, errs.InvalidArgument(descriptorExport + " must return (ptr, len)")
	}
	p, ok1 := vals[0].(int32)
	l, ok2 := vals[1].(int32)
	if !ok1 || !ok2 {
		return 0, 0, errs.InvalidArgument(descriptorExport + " must return (i32, i32)")
	}
	return p, l, nil
}

func toModuleImage(wd wireDescriptor) *registry.ModuleImage {
	img := &registry.ModuleImage{Name: wd.Name}
	for _, e := range wd.Exports {
		img.Exports = append(img.Exports, registry.Export{
			Name:       e.Name,
			Namespace:  e.Namespace,
			Version:    registry.Version(e.Version),
			Extensions: toSet(e.Extensions),
			Optional:   toSet(e.Optional),
		})
	}
	for _, i := range wd.Imports {
		img.Imports = append(img.Imports, registry.ImportSpec{
			Name:       i.Name,
			Namespace:  i.Namespace,
			Version:    registry.Version(i.Version),
			Extensions: toSet(i.Extensions),
		})
	}
	return img
}

func toSet(tags []string) map[string]struct{} {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		out[t] = struct{}{}
	}
	return out
}
