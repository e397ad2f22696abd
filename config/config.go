// Package config holds the scheduler/registry-wide tunables and loads them
// from a TOML settings file (SPEC_FULL §10.3), in the idiom the example
// corpus uses for settings trees: a flat Go struct decoded in one pass via
// github.com/BurntSushi/toml, with a minimal dotted-path Get layered on
// top for diagnostics (SPEC_FULL §12.3), not a general mutable registry.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/nmxmxh/corerun/errs"
)

// Scheduler holds the worker-group tunables (spec §5 "Threads", §4.1
// stack pool sizing).
type Scheduler struct {
	Workers            int     `toml:"workers"`
	StealBatch         int     `toml:"steal_batch"`
	StackSizesKB       []int   `toml:"stack_sizes_kb"`
	StackMaxPerClass   int     `toml:"stack_max_per_class"`
	StackMaxTotalMB    int64   `toml:"stack_max_total_mb"`
	TickIntervalMillis float64 `toml:"tick_interval_ms"`
	ShutdownDrainMS    int     `toml:"shutdown_drain_ms"`
}

// Registry holds module-registry tunables.
type Registry struct {
	DefaultLoaderTag string `toml:"default_loader_tag"`
}

// Config is the full settings tree read from one TOML file.
type Config struct {
	Scheduler Scheduler `toml:"scheduler"`
	Registry  Registry  `toml:"registry"`
	Manifest  string    `toml:"manifest"`
}

// Default returns a Config with every field at its constructor-level
// default, matching what an absent TOML file should resolve to.
func Default() Config {
	return Config{
		Scheduler: Scheduler{
			Workers:          0, // 0 means runtime.NumCPU(), resolved by workergroup.Spawn
			StealBatch:       32,
			StackSizesKB:     []int{16, 32, 64, 128, 256, 1024},
			StackMaxPerClass: 8,
			StackMaxTotalMB:  0,
			TickIntervalMillis: 2,
			ShutdownDrainMS:    5000,
		},
		Registry: Registry{DefaultLoaderTag: "wasm"},
	}
}

// Load reads and decodes path into a Config seeded from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errs.Wrap(errs.KindInvalidArgument, err, "decoding config: "+path)
	}
	return cfg, nil
}

// Get resolves a dotted path (e.g. "scheduler.workers") against the
// decoded tree, returning its value as a string — a minimal read-only
// projection of the settings-registry idea from SPEC_FULL §12.3, not a
// runtime-mutable tree.
func (c Config) Get(path string) (string, bool) {
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "scheduler":
		return getField(c.Scheduler, parts[1:])
	case "registry":
		return getField(c.Registry, parts[1:])
	case "manifest":
		if len(parts) == 1 {
			return c.Manifest, true
		}
	}
	return "", false
}

func getField(v interface{}, path []string) (string, bool) {
	if len(path) != 1 {
		return "", false
	}
	switch s := v.(type) {
	case Scheduler:
		switch path[0] {
		case "workers":
			return strconv.Itoa(s.Workers), true
		case "steal_batch":
			return strconv.Itoa(s.StealBatch), true
		case "stack_max_per_class":
			return strconv.Itoa(s.StackMaxPerClass), true
		case "stack_max_total_mb":
			return strconv.FormatInt(s.StackMaxTotalMB, 10), true
		case "tick_interval_ms":
			return fmt.Sprintf("%g", s.TickIntervalMillis), true
		case "shutdown_drain_ms":
			return strconv.Itoa(s.ShutdownDrainMS), true
		}
	case Registry:
		if path[0] == "default_loader_tag" {
			return s.DefaultLoaderTag, true
		}
	}
	return "", false
}

// StackSizesBytes converts StackSizesKB to the byte sizes stack.Config
// expects.
func (s Scheduler) StackSizesBytes() []int {
	out := make([]int, len(s.StackSizesKB))
	for i, kb := range s.StackSizesKB {
		out[i] = kb * 1024
	}
	return out
}
