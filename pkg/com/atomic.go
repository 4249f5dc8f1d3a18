// Package com holds small concurrency primitives shared across the
// daemon.
package com

import "sync/atomic"

// Atomic is a type-safe wrapper around atomic.Value. The scheduler
// publishes snapshots through it, readers always see a complete one.
type Atomic[T any] struct {
	v atomic.Value
}

// Load returns the stored value, ok is false before the first Store.
func (a *Atomic[T]) Load() (_ T, ok bool) {
	if v, ok := a.v.Load().(box[T]); ok {
		return v.v, true
	}

	return
}

func (a *Atomic[T]) Store(v T) {
	a.v.Store(box[T]{v})
}

func (a *Atomic[T]) Swap(new T) (old T, ok bool) {
	if old, ok := a.v.Swap(box[T]{new}).(box[T]); ok {
		return old.v, true
	}

	return
}

func (a *Atomic[T]) CompareAndSwap(old, new T) (swapped bool) {
	return a.v.CompareAndSwap(box[T]{old}, box[T]{new})
}

// box wraps the value into a non-interface type. atomic.Value rejects
// nil and inconsistently-typed interface values, wrapped ones pass.
type box[T any] struct {
	v T
}
