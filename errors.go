package dynload

import (
	"github.com/ZenLiuCN/dynload/memory"
	"github.com/ZenLiuCN/dynload/reloc"
	"github.com/pkg/errors"
)

var (
	// ErrBadFormat occurs when a blob is not an object of the configured architecture.
	ErrBadFormat = reloc.ErrBadFormat
	// ErrBadModule occurs for missing metadata, duplicate names and illegal relocations.
	ErrBadModule = reloc.ErrBadModule
	// ErrOutOfRange occurs when GOT or trampoline capacity or a branch displacement is exceeded.
	ErrOutOfRange = reloc.ErrOutOfRange
	// ErrNotImplemented occurs for unhandled relocation types, see [reloc.RelocationError].
	ErrNotImplemented = reloc.ErrNotImplemented
	// ErrSymbolNotFound occurs when a strong import is absent from the symbol table.
	ErrSymbolNotFound = reloc.ErrSymbolNotFound
	// ErrOutOfMemory occurs when the allocator cannot place a segment.
	ErrOutOfMemory = memory.ErrOutOfMemory
	// ErrModuleInUse occurs when unloading a module that is still referenced.
	ErrModuleInUse = errors.New("module in use")
	// ErrModuleNotFound occurs for a dependency that is not loaded or a module already freed.
	ErrModuleNotFound = errors.New("module not found")
)

// Kind labels err for metrics and tool output.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBadFormat):
		return "bad_format"
	case errors.Is(err, ErrBadModule):
		return "bad_module"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrNotImplemented):
		return "not_implemented"
	case errors.Is(err, ErrSymbolNotFound):
		return "symbol_not_found"
	case errors.Is(err, ErrOutOfMemory):
		return "out_of_memory"
	case errors.Is(err, ErrModuleInUse):
		return "module_in_use"
	case errors.Is(err, ErrModuleNotFound):
		return "module_not_found"
	default:
		return "other"
	}
}
