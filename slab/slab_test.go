package slab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct{ n int }

func TestPoolTracksInUse(t *testing.T) {
	p := New(func() *widget { return &widget{} })
	require.Equal(t, 0, p.InUse())

	a := p.Get()
	b := p.Get()
	require.Equal(t, 2, p.InUse())

	p.Put(a)
	require.Equal(t, 1, p.InUse())
	p.Put(b)
	require.Equal(t, 0, p.InUse())
}

func TestPoolPutWithoutGetPanics(t *testing.T) {
	p := New(func() *widget { return &widget{} })
	w := p.Get()
	p.Put(w)
	require.Panics(t, func() { p.Put(w) })
}

func TestUnboundedPoolReportsNoCapacity(t *testing.T) {
	p := New(func() *widget { return &widget{} })
	require.Equal(t, -1, p.Available())
}

func TestFixedPoolAvailableShrinksAndFloorsAtZero(t *testing.T) {
	p := NewFixed(func() *widget { return &widget{} }, 2)
	require.Equal(t, 2, p.Available())

	a := p.Get()
	require.Equal(t, 1, p.Available())
	b := p.Get()
	require.Equal(t, 0, p.Available())

	// The pool never blocks even past its declared capacity.
	c := p.Get()
	require.Equal(t, 0, p.Available())

	p.Put(a)
	p.Put(b)
	p.Put(c)
	require.Equal(t, 2, p.Available())
}
