package memory

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocAlignedZeroed(t *testing.T) {
	a := NewArena(0x100000, 0x1000)
	r1, err := a.Alloc(3, 1)
	require.NoError(t, err)
	copy(r1.Mem, "abc")
	r2, err := a.Alloc(0x10, 0x40)
	require.NoError(t, err)
	require.Zero(t, r2.Addr%0x40)
	require.Equal(t, uint64(0x100040), r2.Addr)
	require.Len(t, r2.Mem, 0x10)
	require.Equal(t, 2, a.Stats().Fragments, "gap before r2 plus tail")

	require.NoError(t, a.Free(r1.Addr))
	r3, err := a.Alloc(3, 1)
	require.NoError(t, err)
	require.Equal(t, r1.Addr, r3.Addr)
	require.Equal(t, []byte{0, 0, 0}, r3.Mem, "reused memory is zeroed")
}

func TestCoalesce(t *testing.T) {
	a := NewArena(0, 0x300)
	before := a.Stats()
	var rs []Region
	for i := 0; i < 3; i++ {
		r, err := a.Alloc(0x100, 0x100)
		require.NoError(t, err)
		rs = append(rs, r)
	}
	_, err := a.Alloc(1, 1)
	require.ErrorIs(t, err, ErrOutOfMemory)
	for _, i := range []int{0, 2, 1} {
		require.NoError(t, a.Free(rs[i].Addr))
	}
	require.Equal(t, before, a.Stats())
	require.ErrorIs(t, a.Free(rs[0].Addr), ErrAddressInvalid)
}

func TestArguments(t *testing.T) {
	a := NewArena(0x1000, 0x100)
	_, err := a.Alloc(0, 4)
	require.ErrorIs(t, err, ErrArgumentInvalid)
	_, err = a.Alloc(4, 3)
	require.ErrorIs(t, err, ErrArgumentInvalid)
	r, err := a.Alloc(8, 0)
	require.NoError(t, err)
	b, err := a.Bytes(r.Addr+4, 4)
	require.NoError(t, err)
	b[0] = 0xff
	require.Equal(t, byte(0xff), r.Mem[4])
	_, err = a.Bytes(r.Addr+4, 5)
	require.ErrorIs(t, err, ErrAddressInvalid)
	require.Equal(t, uint64(8), a.Size(r.Addr))
}

func TestRandomDisjoint(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	a := NewArena(0x80000000, 1<<16)
	before := a.Stats()
	live := map[uint64]Region{}
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			for addr := range live {
				require.NoError(t, a.Free(addr))
				delete(live, addr)
				break
			}
			continue
		}
		align := uint64(1) << rnd.Intn(7)
		r, err := a.Alloc(uint64(rnd.Intn(512)+1), align)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfMemory)
			continue
		}
		require.Zero(t, r.Addr%align)
		for _, o := range live {
			require.True(t, r.Addr+r.Size <= o.Addr || o.Addr+o.Size <= r.Addr, "%#x overlaps %#x", r.Addr, o.Addr)
		}
		live[r.Addr] = r
	}
	for addr := range live {
		require.NoError(t, a.Free(addr))
	}
	require.Equal(t, before, a.Stats())
}
