// Package arch selects the relocator of a boot image's target architecture.
package arch

import (
	"debug/elf"

	"github.com/ZenLiuCN/dynload/arch/arm"
	"github.com/ZenLiuCN/dynload/arch/mips"
	"github.com/ZenLiuCN/dynload/arch/x86"
	"github.com/ZenLiuCN/dynload/reloc"
	"github.com/pkg/errors"
)

// ErrUnknownArch occurs for architecture names without a relocator.
var ErrUnknownArch = errors.New("unknown architecture")

// Names lists the accepted architecture names.
var Names = []string{"mips", "mipsel", "arm", "i386"}

// ByName returns the relocator for name. trampolines only affects arm.
func ByName(name string, trampolines bool) (reloc.Relocator, error) {
	switch name {
	case "mips":
		return mips.New(elf.ELFDATA2MSB), nil
	case "mipsel":
		return mips.New(elf.ELFDATA2LSB), nil
	case "arm":
		return arm.New(trampolines), nil
	case "i386", "x86":
		return x86.New(), nil
	}
	return nil, errors.Wrapf(ErrUnknownArch, "%q", name)
}

// ForHeader picks the relocator matching an object header, for tools that
// inspect objects of any supported architecture.
func ForHeader(h *elf.FileHeader, trampolines bool) (reloc.Relocator, error) {
	switch h.Machine {
	case elf.EM_MIPS:
		return mips.New(h.Data), nil
	case elf.EM_ARM:
		return arm.New(trampolines), nil
	case elf.EM_386:
		return x86.New(), nil
	}
	return nil, errors.Wrapf(ErrUnknownArch, "machine %s", h.Machine)
}
