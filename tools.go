package dynload

import (
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	"github.com/ZenLiuCN/dynload/arch"
	"github.com/ZenLiuCN/dynload/reloc"
	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
)

type (
	// Info is what a module blob asks of the image, computed without loading it.
	Info struct {
		Name        string
		Machine     elf.Machine
		Data        elf.Data
		Digest      uint64
		Sections    []SectionInfo // allocated sections only
		Imports     []string
		Exports     []string
		Deps        []string
		Relocations map[string]int // record count by relocation type
		Estimate    reloc.Estimate
	}
	SectionInfo struct {
		Name  string
		Type  elf.SectionType
		Size  uint64
		Align uint64
	}
	// Infos is a stringer slice of Info
	Infos []*Info
)

// Inspect parses blob and sizes it with the relocator of its own architecture.
func Inspect(blob []byte, trampolines bool) (i *Info, err error) {
	o, err := reloc.Parse(blob)
	if err != nil {
		return
	}
	r, err := arch.ForHeader(&o.FileHeader, trampolines)
	if err != nil {
		return
	}
	if err = r.CheckHeader(&o.FileHeader); err != nil {
		return
	}
	i = &Info{
		Name:        o.Name,
		Machine:     o.Machine,
		Data:        o.Data,
		Digest:      xxhash.Sum64(blob),
		Imports:     lo.Uniq(o.Imports()),
		Exports:     o.Exports(),
		Deps:        o.Deps,
		Relocations: make(map[string]int),
	}
	i.Sections = lo.Map(lo.Filter(o.Sections, func(s *reloc.Section, _ int) bool { return s.Alloc() && s.Size > 0 }),
		func(s *reloc.Section, _ int) SectionInfo {
			return SectionInfo{Name: s.Name, Type: s.Type, Size: s.Size, Align: s.Align}
		})
	for _, rs := range o.Relocs {
		for _, e := range rs.Entries {
			i.Relocations[relocName(o.Machine, e.Type)]++
		}
	}
	i.Estimate, err = r.Estimate(o)
	return
}

func relocName(m elf.Machine, typ uint32) string {
	switch m {
	case elf.EM_MIPS:
		return elf.R_MIPS(typ).String()
	case elf.EM_ARM:
		return elf.R_ARM(typ).String()
	case elf.EM_386:
		return elf.R_386(typ).String()
	}
	return fmt.Sprintf("%d", typ)
}

// Size is the memory the module needs, alignment padding excluded.
func (i *Info) Size() uint64 {
	return lo.SumBy(i.Sections, func(s SectionInfo) uint64 { return s.Size }) + i.Estimate.GOT + i.Estimate.Tramp
}

func (i Info) String() string {
	s := strings.Builder{}
	s.WriteString(fmt.Sprintf("%s (%s %s) digest %016x\n", i.Name, i.Machine, i.Data, i.Digest))
	for _, sec := range i.Sections {
		s.WriteString(fmt.Sprintf("\tsection %-16s %#8x align %d\n", sec.Name, sec.Size, sec.Align))
	}
	s.WriteString(fmt.Sprintf("\tgot %#x trampolines %#x\n", i.Estimate.GOT, i.Estimate.Tramp))
	for _, d := range i.Deps {
		s.WriteString(fmt.Sprintf("\tdepends %s\n", d))
	}
	for _, v := range i.Imports {
		s.WriteString(fmt.Sprintf("\timport %s\n", v))
	}
	for _, v := range i.Exports {
		s.WriteString(fmt.Sprintf("\texport %s\n", v))
	}
	k := lo.Keys(i.Relocations)
	sort.Strings(k)
	for _, t := range k {
		s.WriteString(fmt.Sprintf("\treloc %s x%d\n", t, i.Relocations[t]))
	}
	return s.String()
}

func (i Infos) String() string {
	s := strings.Builder{}
	for _, v := range i {
		s.WriteString(v.String())
	}
	return s.String()
}
