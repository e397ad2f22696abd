// Package stack implements C1: a pool that acquires, caches, and releases
// fixed-size task stacks, optionally canary-guarded. Grounded on the
// teacher's kernel/threads/arena size-classed slab allocator
// (SlabAllocator/SlabCache in arena/slab.go), adapted from a
// SharedArrayBuffer-backed byte arena to plain heap-allocated []byte
// stacks, since a native worker-thread host has no SAB to carve stacks
// out of.
package stack

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nmxmxh/corerun/errs"
)

// Class identifies one of the pool's fixed stack sizes, matching the
// teacher's SIZE_8..SIZE_256 size-class enumeration in arena/slab.go.
type Class int

// canarySize bytes are written at both ends of a guarded stack's backing
// buffer. Go cannot portably mprotect a guard page without cgo/syscall
// (and the teacher's own SAB arena runs inside a WASM sandbox with the
// same restriction), so a guarded stack instead gets canary sentinels
// checked on Release: a best-effort overflow detector rather than a true
// trap, documented as the Go-native approximation of spec §4.1's guard
// page.
const canarySize = 32

var canaryByte byte = 0xFE

// Stack is a loaned, fixed-size region of memory for one task's
// continuation. Owned by the Pool; loaned to one task at a time (I4).
type Stack struct {
	class   Class
	guarded bool
	buf     []byte // includes canary padding when guarded
	usable  []byte // the slice the caller actually runs on
}

// Bytes returns the usable region of the stack (excludes canary padding).
func (s *Stack) Bytes() []byte { return s.usable }

// Class reports which size class this stack was acquired from.
func (s *Stack) Class() Class { return s.class }

// Guarded reports whether this stack carries canary sentinels.
func (s *Stack) Guarded() bool { return s.guarded }

func (s *Stack) writeCanaries() {
	if !s.guarded {
		return
	}
	for i := 0; i < canarySize; i++ {
		s.buf[i] = canaryByte
		s.buf[len(s.buf)-canarySize+i] = canaryByte
	}
}

// checkCanaries reports whether the guard regions are intact.
func (s *Stack) checkCanaries() bool {
	if !s.guarded {
		return true
	}
	for i := 0; i < canarySize; i++ {
		if s.buf[i] != canaryByte || s.buf[len(s.buf)-canarySize+i] != canaryByte {
			return false
		}
	}
	return true
}

type freelist struct {
	mu    sync.Mutex
	free  [][]byte
	bound int
}

// Pool caches released stacks by (size class, guard mode) up to a bound;
// beyond the bound excess stacks are dropped for the GC to reclaim.
type Pool struct {
	sizes       []int // byte size per class, index == Class
	maxPerClass int

	plain   []*freelist // indexed by Class
	guarded []*freelist // indexed by Class

	// budget bounds total bytes loaned out at once (spec §4.1, B4's
	// ENOMEM). nil means unbounded. A semaphore's non-blocking TryAcquire
	// is a closer fit than a plain counter: Acquire must fail immediately
	// rather than wait, and Release must hand the exact weight back.
	budget *semaphore.Weighted
}

// Config configures a Pool's size-class table and caching bounds.
type Config struct {
	// Sizes lists the byte size of each class, smallest first.
	Sizes []int
	// MaxPerClass bounds how many released stacks of one (class, guard
	// mode) pair are cached; 0 means "use a sane default" (8).
	MaxPerClass int
	// MaxTotalBytes bounds total bytes loaned out at once; 0 means
	// unbounded. Exceeding it surfaces ENOMEM (spec §4.1, B4).
	MaxTotalBytes int64
}

// DefaultSizes mirrors the teacher's size-class spread (arena/slab.go),
// scaled up from tiny-object sizes to stack-sized regions.
var DefaultSizes = []int{16 * 1024, 32 * 1024, 64 * 1024, 128 * 1024, 256 * 1024, 1024 * 1024}

// New builds a Pool from cfg, defaulting empty fields.
func New(cfg Config) *Pool {
	sizes := cfg.Sizes
	if len(sizes) == 0 {
		sizes = DefaultSizes
	}
	maxPerClass := cfg.MaxPerClass
	if maxPerClass <= 0 {
		maxPerClass = 8
	}
	p := &Pool{
		sizes:       sizes,
		maxPerClass: maxPerClass,
		plain:       make([]*freelist, len(sizes)),
		guarded:     make([]*freelist, len(sizes)),
	}
	if cfg.MaxTotalBytes > 0 {
		p.budget = semaphore.NewWeighted(cfg.MaxTotalBytes)
	}
	for i := range sizes {
		p.plain[i] = &freelist{bound: maxPerClass}
		p.guarded[i] = &freelist{bound: maxPerClass}
	}
	return p
}

// ClassFor returns the smallest class whose size is >= requested bytes,
// or an error if no class is big enough.
func (p *Pool) ClassFor(requested int) (Class, error) {
	for i, sz := range p.sizes {
		if sz >= requested {
			return Class(i), nil
		}
	}
	return 0, errs.InvalidArgument("requested stack size exceeds largest size class")
}

// Acquire returns a stack of the given class and guard mode, reusing a
// cached stack of the same (class, guard mode) pair when one is
// available, falling back to allocation on miss.
func (p *Pool) Acquire(class Class, guarded bool) (*Stack, error) {
	if int(class) < 0 || int(class) >= len(p.sizes) {
		return nil, errs.InvalidArgument("unknown stack size class")
	}
	size := p.sizes[class]
	total := size
	if guarded {
		total += 2 * canarySize
	}

	if p.budget != nil && !p.budget.TryAcquire(int64(total)) {
		return nil, errs.NoMemory("stack pool exhausted")
	}

	fl := p.listFor(class, guarded)
	fl.mu.Lock()
	var buf []byte
	if n := len(fl.free); n > 0 {
		buf = fl.free[n-1]
		fl.free = fl.free[:n-1]
	}
	fl.mu.Unlock()

	if buf == nil {
		buf = make([]byte, total)
	}

	s := &Stack{class: class, guarded: guarded, buf: buf}
	if guarded {
		s.usable = buf[canarySize : len(buf)-canarySize]
	} else {
		s.usable = buf
	}
	s.writeCanaries()
	return s, nil
}

// Release returns s to the pool for reuse, or drops it if the class's
// cache is already at its bound. Panics if a guarded stack's canaries
// were corrupted, surfacing the "double-free / stack corruption is a
// programmer error" rule from spec §7.
func (p *Pool) Release(s *Stack) {
	if s == nil {
		return
	}
	if !s.checkCanaries() {
		panic("stack: guard region corrupted on release")
	}

	size := p.sizes[s.class]
	total := size
	if s.guarded {
		total += 2 * canarySize
	}
	if p.budget != nil {
		p.budget.Release(int64(total))
	}

	fl := p.listFor(s.class, s.guarded)
	fl.mu.Lock()
	if len(fl.free) < fl.bound {
		fl.free = append(fl.free, s.buf)
	}
	fl.mu.Unlock()
}

func (p *Pool) listFor(class Class, guarded bool) *freelist {
	if guarded {
		return p.guarded[class]
	}
	return p.plain[class]
}
