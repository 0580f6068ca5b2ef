package reloc

import (
	"debug/elf"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrBadFormat occurs when an object header does not match the target architecture.
	ErrBadFormat = errors.New("invalid arch-dependent ELF magic")
	// ErrBadModule occurs when required metadata is missing or a relocation is illegal.
	ErrBadModule = errors.New("bad module")
	// ErrOutOfRange occurs when GOT or trampoline capacity is exceeded or a displacement does not fit.
	ErrOutOfRange = errors.New("out of range")
	// ErrNotImplemented occurs for relocation types the relocator does not handle.
	ErrNotImplemented = errors.New("not implemented")
	// ErrSymbolNotFound occurs when an imported symbol is absent from the symbol table.
	ErrSymbolNotFound = errors.New("symbol not found")
)

// RelocationError names an unhandled relocation type.
type RelocationError struct {
	Machine elf.Machine
	Type    uint32
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("%s relocation 0x%x is not implemented yet", e.Machine, e.Type)
}

func (e *RelocationError) Unwrap() error {
	return ErrNotImplemented
}

// NotImplemented reports relocation type typ of machine m as unhandled.
func NotImplemented(m elf.Machine, typ uint32) error {
	return &RelocationError{Machine: m, Type: typ}
}
