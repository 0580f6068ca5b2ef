// Package memory simulates the physical memory a boot image hands out to
// loaded modules.
package memory

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrOutOfMemory     = errors.New("out of memory")
	ErrAddressInvalid  = errors.New("address invalid")
	ErrArgumentInvalid = errors.New("argument invalid")
)

type (
	// Allocator hands out aligned, zeroed, pairwise disjoint regions.
	Allocator interface {
		Alloc(size, align uint64) (Region, error)
		Free(addr uint64) error
	}
	// Region is one allocation: Mem views the Size bytes at address Addr.
	Region struct {
		Addr uint64
		Size uint64
		Mem  []byte
	}
	Stats struct {
		Size      uint64 // arena capacity
		Used      uint64 // bytes in live regions
		Regions   int    // live regions
		Fragments int    // free blocks
	}
	block struct {
		addr, size uint64
	}
	// Arena is a first-fit allocator over one contiguous window starting at
	// Base. It is not safe for concurrent use.
	Arena struct {
		base uint64
		mem  []byte
		free []block // sorted by addr, never adjacent
		used map[uint64]uint64
	}
)

func Align(a, b uint64) uint64 {
	return (a + b - 1) &^ (b - 1)
}

func (b block) end() uint64 {
	return b.addr + b.size
}

// NewArena creates an arena of size bytes whose first byte sits at address base.
func NewArena(base, size uint64) *Arena {
	return &Arena{
		base: base,
		mem:  make([]byte, size),
		free: []block{{addr: base, size: size}},
		used: make(map[uint64]uint64),
	}
}

func (a *Arena) Base() uint64 {
	return a.base
}

// Alloc takes the first free block that holds size bytes at an align boundary.
func (a *Arena) Alloc(size, align uint64) (r Region, err error) {
	if align == 0 {
		align = 1
	}
	if size == 0 || align&(align-1) != 0 {
		return r, errors.Wrapf(ErrArgumentInvalid, "size %#x align %#x", size, align)
	}
	for i, b := range a.free {
		at := Align(b.addr, align)
		if at < b.addr || at >= b.end() || b.end()-at < size {
			continue
		}
		var rest []block
		if at > b.addr {
			rest = append(rest, block{addr: b.addr, size: at - b.addr})
		}
		if end := at + size; end < b.end() {
			rest = append(rest, block{addr: end, size: b.end() - end})
		}
		a.free = append(a.free[:i], append(rest, a.free[i+1:]...)...)
		a.used[at] = size
		r = Region{Addr: at, Size: size, Mem: a.window(at, size)}
		clear(r.Mem)
		return
	}
	return r, errors.Wrapf(ErrOutOfMemory, "%#x bytes aligned to %#x", size, align)
}

func (a *Arena) window(addr, size uint64) []byte {
	off := addr - a.base
	return a.mem[off : off+size : off+size]
}

// Free returns a region to the arena, merging it with free neighbours.
func (a *Arena) Free(addr uint64) error {
	size, ok := a.used[addr]
	if !ok {
		return errors.Wrapf(ErrAddressInvalid, "%#x was not allocated", addr)
	}
	delete(a.used, addr)
	nb := block{addr: addr, size: size}
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].addr > addr })
	if i > 0 && a.free[i-1].end() == addr {
		i--
		nb.addr = a.free[i].addr
		nb.size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	if i < len(a.free) && a.free[i].addr == nb.end() {
		nb.size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	a.free = append(a.free, block{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = nb
	return nil
}

// Size of the live region at addr, 0 when none.
func (a *Arena) Size(addr uint64) uint64 {
	return a.used[addr]
}

// Bytes views size bytes at addr, which must lie inside one live region.
func (a *Arena) Bytes(addr, size uint64) ([]byte, error) {
	for at, n := range a.used {
		if addr >= at && addr-at <= n && size <= n-(addr-at) {
			return a.window(addr, size), nil
		}
	}
	return nil, errors.Wrapf(ErrAddressInvalid, "%#x+%#x is not allocated", addr, size)
}

func (a *Arena) Stats() (s Stats) {
	s.Size = uint64(len(a.mem))
	s.Regions = len(a.used)
	s.Fragments = len(a.free)
	for _, n := range a.used {
		s.Used += n
	}
	return
}

func (s Stats) String() string {
	return fmt.Sprintf("%d/%d bytes in %d regions, %d free fragments", s.Used, s.Size, s.Regions, s.Fragments)
}
