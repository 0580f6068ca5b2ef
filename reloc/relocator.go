package reloc

import (
	"debug/elf"

	"github.com/pkg/errors"
)

type (
	// Relocator patches relocatable objects for one target architecture.
	// A boot image targets exactly one architecture, so one Relocator is
	// chosen when the loader is configured.
	Relocator interface {
		Machine() elf.Machine
		// CheckHeader validates class, byte order and machine.
		CheckHeader(h *elf.FileHeader) error
		// Pseudo classifies an undefined symbol name.
		Pseudo(name string) Pseudo
		// Estimate sizes the GOT and trampoline areas before anything is allocated.
		Estimate(o *Object) (Estimate, error)
		// Relocate applies one relocation section to the layout.
		Relocate(l *Layout, rs *RelSection) error
	}
	// Estimate is the auxiliary memory a module needs, in bytes.
	Estimate struct {
		GOT        uint64
		Tramp      uint64
		GOTAlign   uint64
		TrampAlign uint64
	}
)

// CheckHeader compares an object header against the expected class, data encoding and machine.
func CheckHeader(h *elf.FileHeader, class elf.Class, data elf.Data, machine elf.Machine) error {
	switch {
	case h.Class != class:
		return errors.Wrapf(ErrBadFormat, "class %s, want %s", h.Class, class)
	case h.Data != data:
		return errors.Wrapf(ErrBadFormat, "byte order %s, want %s", h.Data, data)
	case h.Machine != machine:
		return errors.Wrapf(ErrBadFormat, "machine %s, want %s", h.Machine, machine)
	}
	return nil
}

// Addend32 is the explicit addend of a RELA record, zero for REL records.
func (r Rel) Addend32() uint32 {
	if r.Explicit {
		return uint32(r.Addend)
	}
	return 0
}

// Count counts relocation records accepted by match over every relocation section.
func Count(o *Object, match func(typ uint32) bool) (n uint64) {
	for _, rs := range o.Relocs {
		for _, r := range rs.Entries {
			if match(r.Type) {
				n++
			}
		}
	}
	return
}
