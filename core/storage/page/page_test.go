package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderFieldsRoundTrip(t *testing.T) {
	p := New(7, MinPageSize)

	p.SetType(TypeBTreeLeaf)
	p.SetLSN(123456)
	p.SetNext(42)
	p.SetPayloadLen(900)

	require.Equal(t, TypeBTreeLeaf, p.Type())
	require.Equal(t, LSN(123456), p.LSN())
	require.Equal(t, PageID(42), p.Next())
	require.Equal(t, 900, p.PayloadLen())
	require.Equal(t, PageID(7), p.ID())
	require.Len(t, p.Payload(), MinPageSize-HeaderSize)
}

func TestSealAndVerify(t *testing.T) {
	p := New(1, MinPageSize)
	p.SetType(TypeOverflow)
	copy(p.Payload(), []byte("overflow fragment"))

	Seal(p.Data())
	require.NoError(t, Verify(p.Data()))

	// Any payload bit flip must be detected.
	p.Payload()[3] ^= 0xFF
	require.Error(t, Verify(p.Data()))
	p.Payload()[3] ^= 0xFF
	require.NoError(t, Verify(p.Data()))

	// Header bytes outside the checksum slot are covered too.
	p.SetNext(99)
	require.Error(t, Verify(p.Data()))
}

func TestVerifyRejectsShortBuffer(t *testing.T) {
	require.Error(t, Verify(make([]byte, HeaderSize-1)))
}

func TestPinCounting(t *testing.T) {
	p := New(3, MinPageSize)
	p.Pin()
	p.Pin()
	require.Equal(t, 2, p.PinCount())
	p.Unpin()
	require.Equal(t, 1, p.PinCount())
	p.Unpin()
	require.Equal(t, 0, p.PinCount())
}

func TestResetClearsState(t *testing.T) {
	p := New(5, MinPageSize)
	p.SetType(TypeBTreeInternal)
	p.SetLSN(10)
	p.SetDirty(true)
	p.Pin()

	p.Reset()
	require.Equal(t, InvalidPageID, p.ID())
	require.Equal(t, TypeFree, p.Type())
	require.Equal(t, LSN(0), p.LSN())
	require.False(t, p.IsDirty())
	require.Equal(t, 0, p.PinCount())
}

func TestValidSize(t *testing.T) {
	require.True(t, ValidSize(4096))
	require.True(t, ValidSize(8192))
	require.True(t, ValidSize(16384))
	require.False(t, ValidSize(0))
	require.False(t, ValidSize(5000))
	require.False(t, ValidSize(2048))
	require.False(t, ValidSize(32768))
}
