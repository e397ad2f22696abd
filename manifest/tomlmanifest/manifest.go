// Package tomlmanifest is the concrete registry.ManifestSource adapter
// named in SPEC_FULL §10.5: a TOML file listing module paths, loader
// tags, and required extensions. Grounded on github.com/BurntSushi/toml
// usage across the example corpus for exactly this "flat settings/manifest
// file" shape.
package tomlmanifest

import (
	"github.com/BurntSushi/toml"

	"github.com/nmxmxh/corerun/errs"
	"github.com/nmxmxh/corerun/registry"
)

// entry mirrors one [[module]] table in the manifest file.
type entry struct {
	Path       string   `toml:"path"`
	Loader     string   `toml:"loader"`
	Extensions []string `toml:"extensions"`
}

type document struct {
	Module []entry `toml:"module"`
}

// Source reads module descriptors from a TOML manifest file (implements
// registry.ManifestSource).
type Source struct {
	path string
}

// New builds a Source reading from path.
func New(path string) *Source {
	return &Source{path: path}
}

// Descriptors decodes the manifest file into registry.ModuleDescriptor
// values, in file order.
func (s *Source) Descriptors() ([]registry.ModuleDescriptor, error) {
	var doc document
	if _, err := toml.DecodeFile(s.path, &doc); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, err, "decoding manifest: "+s.path)
	}
	out := make([]registry.ModuleDescriptor, 0, len(doc.Module))
	for _, e := range doc.Module {
		if e.Path == "" {
			return nil, errs.InvalidArgument("manifest entry missing path")
		}
		out = append(out, registry.ModuleDescriptor{
			Path:       e.Path,
			LoaderTag:  e.Loader,
			Extensions: e.Extensions,
		})
	}
	return out, nil
}
