package arch

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	want := map[string]elf.Machine{"mips": elf.EM_MIPS, "mipsel": elf.EM_MIPS, "arm": elf.EM_ARM, "i386": elf.EM_386}
	for _, name := range Names {
		r, err := ByName(name, true)
		require.NoError(t, err)
		require.Equal(t, want[name], r.Machine())
	}
	_, err := ByName("riscv64", false)
	require.ErrorIs(t, err, ErrUnknownArch)
}

func TestForHeader(t *testing.T) {
	r, err := ForHeader(&elf.FileHeader{Machine: elf.EM_MIPS, Data: elf.ELFDATA2LSB, Class: elf.ELFCLASS32}, false)
	require.NoError(t, err)
	require.NoError(t, r.CheckHeader(&elf.FileHeader{Machine: elf.EM_MIPS, Data: elf.ELFDATA2LSB, Class: elf.ELFCLASS32}))
	_, err = ForHeader(&elf.FileHeader{Machine: elf.EM_X86_64}, false)
	require.ErrorIs(t, err, ErrUnknownArch)
}
