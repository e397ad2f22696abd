package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassForPicksSmallestFit(t *testing.T) {
	p := New(Config{Sizes: []int{16 * 1024, 64 * 1024}})
	c, err := p.ClassFor(20 * 1024)
	require.NoError(t, err)
	assert.Equal(t, Class(1), c)

	_, err = p.ClassFor(128 * 1024)
	assert.Error(t, err)
}

func TestAcquireReleaseReusesBuffer(t *testing.T) {
	p := New(Config{Sizes: []int{16 * 1024}})
	s1, err := p.Acquire(0, false)
	require.NoError(t, err)
	buf1 := s1.Bytes()
	p.Release(s1)

	s2, err := p.Acquire(0, false)
	require.NoError(t, err)
	assert.Equal(t, len(buf1), len(s2.Bytes()))
	assert.Same(t, &buf1[0], &s2.Bytes()[0])
}

func TestGuardedStackDetectsCorruption(t *testing.T) {
	p := New(Config{Sizes: []int{16 * 1024}})
	s, err := p.Acquire(0, true)
	require.NoError(t, err)
	assert.True(t, s.Guarded())

	s.buf[0] ^= 0xFF // stomp the leading canary
	assert.Panics(t, func() { p.Release(s) })
}

// B4: exceeding the pool's total-byte budget surfaces ENOMEM rather than
// blocking or silently admitting the request.
func TestAcquireExceedingBudgetFailsClosed(t *testing.T) {
	p := New(Config{Sizes: []int{16 * 1024}, MaxTotalBytes: 16 * 1024})
	s1, err := p.Acquire(0, false)
	require.NoError(t, err)

	_, err = p.Acquire(0, false)
	assert.Error(t, err)

	p.Release(s1)
	s2, err := p.Acquire(0, false)
	assert.NoError(t, err)
	p.Release(s2)
}

func TestMaxPerClassBoundsCache(t *testing.T) {
	p := New(Config{Sizes: []int{16 * 1024}, MaxPerClass: 1})
	s1, _ := p.Acquire(0, false)
	s2, _ := p.Acquire(0, false)
	p.Release(s1)
	p.Release(s2) // cache already at bound(1), this one is dropped

	fl := p.listFor(0, false)
	assert.LessOrEqual(t, len(fl.free), 1)
}
