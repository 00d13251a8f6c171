// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package slotmap

// option provide an interface to do work on Map while it is being created.
type option[V any, I UnsignedInteger, G UnsignedInteger] interface {
	apply(m *Map[V, I, G])
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows
// the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that buffers be
// freed then Map.Close must be called in order to ensure the Free methods
// are called.
type Allocator[V any, I UnsignedInteger, G UnsignedInteger] interface {
	// AllocValues should return a slice equivalent to make([]V, n).
	AllocValues(n int) []V

	// AllocSlots should return a slice equivalent to make([]Slot[I,G], n).
	AllocSlots(n int) []Slot[I, G]

	// AllocEraseIndex should return a slice equivalent to make([]I, n).
	AllocEraseIndex(n int) []I

	// FreeValues can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocValues.
	FreeValues(v []V)

	// FreeSlots can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocSlots.
	FreeSlots(v []Slot[I, G])

	// FreeEraseIndex can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocEraseIndex.
	FreeEraseIndex(v []I)
}

type defaultAllocator[V any, I UnsignedInteger, G UnsignedInteger] struct{}

func (defaultAllocator[V, I, G]) AllocValues(n int) []V {
	return make([]V, n)
}

func (defaultAllocator[V, I, G]) AllocSlots(n int) []Slot[I, G] {
	return make([]Slot[I, G], n)
}

func (defaultAllocator[V, I, G]) AllocEraseIndex(n int) []I {
	return make([]I, n)
}

func (defaultAllocator[V, I, G]) FreeValues(v []V) {
}

func (defaultAllocator[V, I, G]) FreeSlots(v []Slot[I, G]) {
}

func (defaultAllocator[V, I, G]) FreeEraseIndex(v []I) {
}

type allocatorOption[V any, I UnsignedInteger, G UnsignedInteger] struct {
	allocator Allocator[V, I, G]
}

func (op allocatorOption[V, I, G]) apply(m *Map[V, I, G]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a
// Map[V,I,G].
func WithAllocator[V any, I UnsignedInteger, G UnsignedInteger](
	allocator Allocator[V, I, G],
) option[V, I, G] {
	return allocatorOption[V, I, G]{allocator}
}
