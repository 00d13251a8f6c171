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

// Package slotmap is a Go implementation of a slot map: a generation-checked
// dense container with O(1) insertion, O(1) erasure, and O(1) lookup through
// a stable, lightweight key. See
// https://seanmiddleditch.github.io/data-structures-for-game-developers-the-slot-map/
// for background on the design.
//
// # Slot maps
//
// A slot map solves the problem of referencing dynamically allocated objects
// (e.g. entities in a simulation) by a handle that stays valid across
// relocations of the underlying storage and that detects use of a handle
// after its slot has been recycled, rather than silently aliasing an
// unrelated value.
//
// The map owns three parallel buffers:
//
//	values: [ v0 | v1 | v2 | ...      ]  dense, exactly Len() live values
//	slots:  [ {index, generation} ... ]  one entry per allocated index
//	erase:  [ slot-index ...          ]  dense position -> owning slot
//
// A Key is an {index, generation} pair. The slot at key.index holds the
// position of the value in the dense buffer along with the slot's current
// generation. A key resolves to a value iff its generation matches the
// slot's. Erasing increments the slot's generation, permanently invalidating
// every copy of the key that referenced it.
//
// The index field of a slot is dual use: while the slot is occupied it is
// the forward pointer into the dense value buffer; while the slot is free it
// is the link to the next free slot, forming an intrusive singly linked free
// list terminated by the all-ones sentinel of the index type. Because the
// sentinel is reserved, the capacity of a map is capped one below the number
// of values representable by the index type.
//
// Erasure keeps the value buffer dense by swap-and-pop: the last value is
// relocated into the vacated position, and the erase-index buffer is used to
// find, in constant time, the slot whose forward pointer must be repaired to
// follow it. Values are therefore stored in arbitrary order, not insertion
// order, and iteration touches exactly Len() contiguous elements.
//
// # Index and generation widths
//
// The index and generation types are type parameters so that callers can
// trade key size against safety margin. A narrow generation counter wraps
// sooner: after exactly 2^bits erasures of the same slot, a stale key for
// that slot coincidentally matches again. Widening the generation type
// pushes that boundary out; the container does not otherwise defend against
// wraparound.
//
// # Concurrency
//
// A Map is NOT goroutine-safe. It is single-writer and unsynchronized, and
// it is not safe to read concurrently with a mutation: Reserve and Erase
// relocate values a concurrent reader may be inspecting.
package slotmap

import (
	"fmt"
	"math"
	"strings"
	"unsafe"
)

const debug = false

// UnsignedInteger is the constraint for the index and generation type
// parameters of a Map.
type UnsignedInteger interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Key is a handle to a value stored in a Map. Keys are plain data: cheap to
// copy, comparable, and carrying no lifetime. A key is meaningful only
// relative to the map instance that issued it; a key from a cleared or
// closed map may coincidentally match an entry in an unrelated map of the
// same shape.
type Key[I UnsignedInteger, G UnsignedInteger] struct {
	index      I
	generation G
}

// String implements fmt.Stringer, formatting the key as index/generation.
func (k Key[I, G]) String() string {
	return fmt.Sprintf("%d/%d", k.index, k.generation)
}

// Slot is the per-index bookkeeping entry of a Map. While a slot is occupied
// its index field holds the position of the slot's value in the dense value
// buffer. While it is free, the field is repurposed as the free-list link to
// the next free slot, with the all-ones sentinel terminating the list.
type Slot[I UnsignedInteger, G UnsignedInteger] struct {
	index      I
	generation G
}

// freeListStop returns the reserved free-list terminator: the all-ones bit
// pattern of the index type. No allocatable slot index ever equals it.
func freeListStop[I UnsignedInteger]() I {
	return ^I(0)
}

// Map is a slot map from generation-checked keys to values of type V, with
// Insert, Erase, Get, TryGet, Reserve, Clear, and All operations. I is the
// slot index type and G the generation counter type.
//
// The zero value for a Map is not usable; construct one with New or Init.
//
// A Map is NOT goroutine-safe.
type Map[V any, I UnsignedInteger, G UnsignedInteger] struct {
	// The allocator to use for the value, slot, and erase-index buffers.
	allocator Allocator[V, I, G]
	// values is capacity in length; positions [0, size) hold live values
	// with no gaps.
	values unsafeSlice[V]
	// slots is capacity in length, one entry per allocated index.
	slots unsafeSlice[Slot[I, G]]
	// eraseIdx is capacity in length; eraseIdx[d] for d < size is the index
	// of the slot whose forward pointer is d.
	eraseIdx unsafeSlice[I]
	// The total number of allocated slots.
	capacity uintptr
	// The number of live values.
	size uintptr
	// The head of the intrusive free list, or the sentinel when every slot
	// is occupied (or capacity is zero).
	freeHead I
}

// New constructs a Map with the specified initial capacity. If
// initialCapacity is 0 the map starts with no allocation and grows on the
// first insert.
func New[V any, I UnsignedInteger, G UnsignedInteger](
	initialCapacity int, options ...option[V, I, G],
) *Map[V, I, G] {
	var m Map[V, I, G]
	m.Init(initialCapacity, options...)
	return &m
}

// Init initializes the map with the specified initial capacity, discarding
// any previous state without releasing it. Call Close first if the map holds
// buffers from an allocator that manages memory manually.
func (m *Map[V, I, G]) Init(initialCapacity int, options ...option[V, I, G]) {
	*m = Map[V, I, G]{
		allocator: defaultAllocator[V, I, G]{},
		freeHead:  freeListStop[I](),
	}
	for _, op := range options {
		op.apply(m)
	}
	if initialCapacity > 0 {
		m.Reserve(initialCapacity)
	}
	m.checkInvariants()
}

// Close closes the map, releasing its buffers back to its configured
// allocator and resetting it to the empty state. It is unnecessary to close
// a map using the default allocator. Close is idempotent, though it is
// invalid to use any other operation on a closed map.
func (m *Map[V, I, G]) Close() {
	if m.capacity > 0 {
		var zero V
		for i := uintptr(0); i < m.size; i++ {
			*m.values.At(i) = zero
		}
		m.allocator.FreeValues(m.values.Slice(0, m.capacity))
		m.allocator.FreeSlots(m.slots.Slice(0, m.capacity))
		m.allocator.FreeEraseIndex(m.eraseIdx.Slice(0, m.capacity))
	}
	m.values = unsafeSlice[V]{}
	m.slots = unsafeSlice[Slot[I, G]]{}
	m.eraseIdx = unsafeSlice[I]{}
	m.capacity = 0
	m.size = 0
	m.freeHead = freeListStop[I]()
	m.allocator = nil
}

// Insert inserts a value into the map and returns the key that resolves to
// it. The key remains valid until it is erased or the map is cleared; it is
// unaffected by relocations of the value buffer. Insert grows the map when
// no free slot is available, and panics if the map is already at MaxCap.
func (m *Map[V, I, G]) Insert(v V) Key[I, G] {
	if m.freeHead == freeListStop[I]() {
		m.grow()
	}

	si := m.freeHead
	s := m.slots.At(uintptr(si))
	m.freeHead = s.index
	s.index = I(m.size)
	*m.values.At(m.size) = v
	*m.eraseIdx.At(m.size) = si
	m.size++

	if debug {
		fmt.Printf("insert: slot=%d dense=%d gen=%d free-head=%d\n",
			si, s.index, s.generation, m.freeHead)
	}
	m.checkInvariants()
	return Key[I, G]{index: si, generation: s.generation}
}

// grow doubles the capacity. Growing one slot at a time would make a run of
// inserts quadratic; doubling keeps Insert amortized constant.
func (m *Map[V, I, G]) grow() {
	maxCap := m.MaxCap()
	if int(m.capacity) >= maxCap {
		panic(fmt.Sprintf("slotmap: map is at maximum capacity %d", maxCap))
	}
	newCap := 2 * int(m.capacity)
	if newCap == 0 {
		newCap = 1
	}
	if newCap > maxCap {
		newCap = maxCap
	}
	m.Reserve(newCap)
}

// Erase removes the value the key resolves to, returning false without side
// effects if the key is stale or out of range. A false return is a normal
// negative result, not an error; erasing the same key twice returns false
// the second time.
func (m *Map[V, I, G]) Erase(k Key[I, G]) bool {
	if uint64(k.index) >= uint64(m.capacity) {
		return false
	}
	s := m.slots.At(uintptr(k.index))
	if s.generation != k.generation {
		return false
	}

	d := uintptr(s.index)

	// Invalidate the key and push the slot onto the free list, repurposing
	// its forward-pointer field as the link to the previous head.
	s.generation++
	s.index = m.freeHead
	m.freeHead = k.index

	// Swap-and-pop: relocate the last value into the vacated dense position
	// and repair the moved slot's forward pointer through the erase-index
	// buffer. When d is the last position the erase-index write is a
	// self-assignment and no value moves.
	last := m.size - 1
	movedSlot := *m.eraseIdx.At(last)
	*m.eraseIdx.At(d) = movedSlot
	if d != last {
		*m.values.At(d) = *m.values.At(last)
		m.slots.At(uintptr(movedSlot)).index = I(d)
	}
	var zero V
	*m.values.At(last) = zero
	m.size--

	if debug {
		fmt.Printf("erase: slot=%d dense=%d moved-slot=%d free-head=%d\n",
			k.index, d, movedSlot, m.freeHead)
	}
	m.checkInvariants()
	return true
}

// TryGet resolves a key to a pointer to its value, or nil if the key is
// stale or out of range. The returned pointer is invalidated by any
// operation that grows or relocates the value buffer; the key itself is not.
func (m *Map[V, I, G]) TryGet(k Key[I, G]) *V {
	if uint64(k.index) >= uint64(m.capacity) {
		return nil
	}
	s := m.slots.At(uintptr(k.index))
	if s.generation != k.generation {
		return nil
	}
	return m.values.At(uintptr(s.index))
}

// Get resolves a key that the caller has already established to be valid,
// panicking otherwise. Use TryGet when validity is not guaranteed by program
// logic.
func (m *Map[V, I, G]) Get(k Key[I, G]) *V {
	v := m.TryGet(k)
	if v == nil {
		panic(fmt.Sprintf("slotmap: Get with invalid key %s", k))
	}
	return v
}

// Reserve ensures the map can hold at least requested values without
// reallocating. Reserve is a no-op when requested does not exceed the
// current capacity; it never shrinks. This is the only operation that
// relocates the value buffer, so it invalidates pointers previously returned
// by Get, TryGet, Front, Back, and Data, but never keys. Generations of
// pre-existing slots are preserved; new slots start at generation zero.
//
// Reserve panics if requested exceeds MaxCap.
func (m *Map[V, I, G]) Reserve(requested int) {
	if requested <= int(m.capacity) {
		return
	}
	if requested > m.MaxCap() {
		panic(fmt.Sprintf("slotmap: requested capacity %d exceeds maximum %d",
			requested, m.MaxCap()))
	}
	n := uintptr(requested)

	// Allocate every replacement buffer before mutating the map so that an
	// allocation failure leaves the pre-call state fully intact.
	newValues := m.allocator.AllocValues(requested)
	newSlots := m.allocator.AllocSlots(requested)
	newErase := m.allocator.AllocEraseIndex(requested)

	// Pre-thread the added slots into an ascending free sub-list and splice
	// it onto the front of the existing free list: the last new slot links
	// to the previous head, and the head becomes the first new slot.
	for i := m.capacity; i < n; i++ {
		newSlots[i] = Slot[I, G]{index: I(i + 1)}
	}
	newSlots[n-1].index = m.freeHead

	if m.capacity > 0 {
		oldValues := m.values.Slice(0, m.capacity)
		copy(newValues, oldValues[:m.size])
		copy(newSlots, m.slots.Slice(0, m.capacity))
		copy(newErase, m.eraseIdx.Slice(0, m.capacity))

		var zero V
		for i := uintptr(0); i < m.size; i++ {
			oldValues[i] = zero
		}
		m.allocator.FreeValues(oldValues)
		m.allocator.FreeSlots(m.slots.Slice(0, m.capacity))
		m.allocator.FreeEraseIndex(m.eraseIdx.Slice(0, m.capacity))
	}

	m.values = makeUnsafeSlice(newValues)
	m.slots = makeUnsafeSlice(newSlots)
	m.eraseIdx = makeUnsafeSlice(newErase)
	m.freeHead = I(m.capacity)
	m.capacity = n

	if debug {
		fmt.Printf("reserve: capacity=%d free-head=%d\n", m.capacity, m.freeHead)
	}
	m.checkInvariants()
}

// Clear removes all values from the map, invalidating every outstanding key
// by bumping each slot's generation. Capacity is retained: no memory is
// released and subsequent inserts reuse the existing slots. Clear re-threads
// all slots into a single ascending free list; leaving the previous links in
// place would strand the previously occupied slots off the list.
func (m *Map[V, I, G]) Clear() {
	var zero V
	for i := uintptr(0); i < m.size; i++ {
		*m.values.At(i) = zero
	}
	for i := uintptr(0); i < m.capacity; i++ {
		s := m.slots.At(i)
		s.generation++
		s.index = I(i + 1)
	}
	m.freeHead = freeListStop[I]()
	if m.capacity > 0 {
		m.slots.At(m.capacity - 1).index = freeListStop[I]()
		m.freeHead = 0
	}
	m.size = 0
	m.checkInvariants()
}

// Clone returns a deep copy of the map. Keys obtained from the receiver are
// valid against the clone and resolve to equal values. The clone shares the
// receiver's allocator but none of its buffers: erasures in one do not
// affect key validity in the other.
func (m *Map[V, I, G]) Clone() *Map[V, I, G] {
	c := &Map[V, I, G]{
		allocator: m.allocator,
		capacity:  m.capacity,
		size:      m.size,
		freeHead:  m.freeHead,
	}
	if m.capacity > 0 {
		values := c.allocator.AllocValues(int(m.capacity))
		slots := c.allocator.AllocSlots(int(m.capacity))
		erase := c.allocator.AllocEraseIndex(int(m.capacity))
		copy(values, m.values.Slice(0, m.size))
		copy(slots, m.slots.Slice(0, m.capacity))
		copy(erase, m.eraseIdx.Slice(0, m.capacity))
		c.values = makeUnsafeSlice(values)
		c.slots = makeUnsafeSlice(slots)
		c.eraseIdx = makeUnsafeSlice(erase)
	}
	c.checkInvariants()
	return c
}

// Move transfers ownership of the map's buffers to a newly returned map and
// resets the receiver to the empty state: no allocation, free-list sentinel
// restored. Keys obtained from the receiver are valid against the returned
// map. The receiver remains usable and keeps its allocator.
func (m *Map[V, I, G]) Move() *Map[V, I, G] {
	c := &Map[V, I, G]{}
	*c = *m
	*m = Map[V, I, G]{
		allocator: c.allocator,
		freeHead:  freeListStop[I](),
	}
	return c
}

// All calls yield sequentially for each key and value in the map, in dense
// buffer order, which is arbitrary rather than insertion order. If yield
// returns false, iteration stops. The map must not be mutated during
// iteration.
func (m *Map[V, I, G]) All(yield func(k Key[I, G], v *V) bool) {
	for d := uintptr(0); d < m.size; d++ {
		si := *m.eraseIdx.At(d)
		k := Key[I, G]{index: si, generation: m.slots.At(uintptr(si)).generation}
		if !yield(k, m.values.At(d)) {
			return
		}
	}
}

// Data returns the dense value buffer as a slice of exactly Len() live
// values, in arbitrary order. The slice aliases the map's storage: it is
// invalidated by growth and its contents are relocated by Erase.
func (m *Map[V, I, G]) Data() []V {
	return m.values.Slice(0, m.size)
}

// Front returns a pointer to the first value in the dense buffer, which is
// not necessarily the first value inserted. Front panics on an empty map.
func (m *Map[V, I, G]) Front() *V {
	if m.size == 0 {
		panic("slotmap: Front on empty map")
	}
	return m.values.At(0)
}

// Back returns a pointer to the last value in the dense buffer, which is
// not necessarily the last value inserted. Back panics on an empty map.
func (m *Map[V, I, G]) Back() *V {
	if m.size == 0 {
		panic("slotmap: Back on empty map")
	}
	return m.values.At(m.size - 1)
}

// Len returns the number of live values in the map.
func (m *Map[V, I, G]) Len() int {
	return int(m.size)
}

// Empty reports whether the map holds no values.
func (m *Map[V, I, G]) Empty() bool {
	return m.size == 0
}

// Cap returns the number of values the map can hold without reallocating.
func (m *Map[V, I, G]) Cap() int {
	return int(m.capacity)
}

// MaxCap returns the maximum capacity the map can grow to. The free-list
// sentinel reserves the all-ones index value, capping capacity one below
// the number of values representable by the index type.
func (m *Map[V, I, G]) MaxCap() int {
	max := uint64(freeListStop[I]())
	if max > uint64(math.MaxInt) {
		max = math.MaxInt
	}
	return int(max)
}

func (m *Map[V, I, G]) checkInvariants() {
	if invariants {
		if m.size > m.capacity {
			panic(fmt.Sprintf("invariant failed: size=%d > capacity=%d\n%s",
				m.size, m.capacity, m.debugString()))
		}

		// The free list must reach the sentinel, stay in range, and visit
		// each free slot exactly once.
		onFreeList := make(map[I]bool)
		for i := m.freeHead; i != freeListStop[I](); {
			if uint64(i) >= uint64(m.capacity) {
				panic(fmt.Sprintf("invariant failed: free-list link %d out of range\n%s",
					i, m.debugString()))
			}
			if onFreeList[i] {
				panic(fmt.Sprintf("invariant failed: free-list cycle through slot %d\n%s",
					i, m.debugString()))
			}
			onFreeList[i] = true
			i = m.slots.At(uintptr(i)).index
		}
		if uintptr(len(onFreeList))+m.size != m.capacity {
			panic(fmt.Sprintf("invariant failed: %d free + %d occupied != capacity %d\n%s",
				len(onFreeList), m.size, m.capacity, m.debugString()))
		}

		// Every occupied dense position maps back, through the erase-index
		// buffer, to a slot whose forward pointer returns to it.
		for d := uintptr(0); d < m.size; d++ {
			si := *m.eraseIdx.At(d)
			if onFreeList[si] {
				panic(fmt.Sprintf("invariant failed: erase(%d)=%d is on the free list\n%s",
					d, si, m.debugString()))
			}
			if fwd := m.slots.At(uintptr(si)).index; uintptr(fwd) != d {
				panic(fmt.Sprintf("invariant failed: slot %d forward pointer %d != dense position %d\n%s",
					si, fwd, d, m.debugString()))
			}
		}
	}
}

func (m *Map[V, I, G]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "size=%d  capacity=%d  free-head=%d\n",
		m.size, m.capacity, m.freeHead)

	onFreeList := make(map[I]bool)
	// Bound the walk by capacity in case the list is cyclic.
	for i, n := m.freeHead, uintptr(0); i != freeListStop[I]() && n < m.capacity; n++ {
		if uint64(i) >= uint64(m.capacity) {
			break
		}
		onFreeList[i] = true
		i = m.slots.At(uintptr(i)).index
	}

	for i := uintptr(0); i < m.capacity; i++ {
		s := m.slots.At(i)
		if onFreeList[I(i)] {
			fmt.Fprintf(&buf, "  %4d: free     next=%d gen=%d\n", i, s.index, s.generation)
		} else {
			fmt.Fprintf(&buf, "  %4d: occupied dense=%d gen=%d\n", i, s.index, s.generation)
		}
	}
	for d := uintptr(0); d < m.size; d++ {
		fmt.Fprintf(&buf, "  erase %4d: slot=%d\n", d, *m.eraseIdx.At(d))
	}
	return buf.String()
}

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](s []T) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

// At returns a pointer to the element at index i.
func (s unsafeSlice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}

// Slice returns a Go slice akin to slice[start:end] for a Go builtin slice.
func (s unsafeSlice[T]) Slice(start, end uintptr) []T {
	return unsafe.Slice((*T)(s.ptr), end)[start:end]
}
