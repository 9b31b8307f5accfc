package lumen

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageInsertGet(t *testing.T) {
	t.Parallel()

	p := NewPage(1, PageTypeData)
	require.Equal(t, PageID(1), p.ID())
	require.Equal(t, PageTypeData, p.Type())
	require.True(t, p.Dirty())

	slot, err := p.InsertRecord([]byte("first"))
	require.NoError(t, err)
	assert.Equal(t, SlotID(0), slot)

	slot, err = p.InsertRecord([]byte("second"))
	require.NoError(t, err)
	assert.Equal(t, SlotID(1), slot)

	rec, err := p.GetRecord(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), rec)

	rec, err = p.GetRecord(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), rec)

	_, err = p.GetRecord(2)
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, Code(err))
}

func TestPageDeleteAndSlotReuse(t *testing.T) {
	t.Parallel()

	p := NewPage(1, PageTypeData)
	for i := 0; i < 4; i++ {
		_, err := p.InsertRecord([]byte{byte(i)})
		require.NoError(t, err)
	}

	free := p.FreeSpaceSize()
	require.NoError(t, p.DeleteRecord(2))
	assert.Equal(t, free+1, p.FreeSpaceSize(), "deleted bytes return to the free count")

	_, err := p.GetRecord(2)
	require.Error(t, err)

	// Freed slots are consumed before the directory grows.
	slot, err := p.InsertRecord([]byte("reused"))
	require.NoError(t, err)
	assert.Equal(t, SlotID(2), slot)
	assert.Equal(t, uint16(4), p.SlotCount())

	require.Error(t, p.DeleteRecord(9))
}

func TestPageUpdate(t *testing.T) {
	t.Parallel()

	p := NewPage(1, PageTypeData)
	slot, err := p.InsertRecord([]byte("aaaa"))
	require.NoError(t, err)

	// Same size updates in place.
	require.NoError(t, p.UpdateRecord(slot, []byte("bbbb")))
	rec, err := p.GetRecord(slot)
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbb"), rec)

	// Size change preserves the slot ID.
	require.NoError(t, p.UpdateRecord(slot, []byte("a much longer record")))
	rec, err = p.GetRecord(slot)
	require.NoError(t, err)
	assert.Equal(t, []byte("a much longer record"), rec)

	require.Error(t, p.UpdateRecord(7, []byte("x")))
}

func TestPageCompactScenario(t *testing.T) {
	t.Parallel()

	p := NewPage(1, PageTypeData)
	for i := 0; i < 10; i++ {
		slot, err := p.InsertRecord([]byte(fmt.Sprintf("Record %d", i)))
		require.NoError(t, err)
		require.Equal(t, SlotID(i), slot)
	}

	beforeDelete := p.FreeSpaceSize()
	for i := 1; i < 10; i += 2 {
		require.NoError(t, p.DeleteRecord(SlotID(i)))
	}
	p.Compact()

	assert.Greater(t, p.FreeSpaceSize(), beforeDelete, "compaction reclaims deleted bytes")
	for i := 0; i < 10; i += 2 {
		rec, err := p.GetRecord(SlotID(i))
		require.NoError(t, err, "even slot %d must survive compaction", i)
		assert.Equal(t, fmt.Sprintf("Record %d", i), string(rec))
	}
	for i := 1; i < 10; i += 2 {
		_, err := p.GetRecord(SlotID(i))
		require.Error(t, err)
	}
}

func TestPageNoSpace(t *testing.T) {
	t.Parallel()

	p := NewPage(1, PageTypeData)

	_, err := p.InsertRecord(make([]byte, MaxRecordSize+1))
	require.Error(t, err)
	assert.Equal(t, CodeValueTooLarge, Code(err))

	// Fill the page, then expect a rejection.
	chunk := make([]byte, 512)
	inserted := 0
	for {
		if _, err := p.InsertRecord(chunk); err != nil {
			assert.Equal(t, CodeOutOfRange, Code(err))
			break
		}
		inserted++
		require.Less(t, inserted, PageSize, "page must fill eventually")
	}
	assert.Greater(t, inserted, 0)
}

func TestPageInsertAfterCompactRetry(t *testing.T) {
	t.Parallel()

	p := NewPage(1, PageTypeData)
	big := make([]byte, 1000)
	var slots []SlotID
	for {
		slot, err := p.InsertRecord(big)
		if err != nil {
			break
		}
		slots = append(slots, slot)
	}
	require.GreaterOrEqual(t, len(slots), 3)

	// Free a hole in the middle; the contiguous region is unchanged until
	// compaction, after which the insert succeeds.
	require.NoError(t, p.DeleteRecord(slots[1]))
	p.Compact()
	_, err := p.InsertRecord(big)
	require.NoError(t, err)
}

func TestPageRoundTrip(t *testing.T) {
	t.Parallel()

	p := NewPage(42, PageTypeData)
	for i := 0; i < 6; i++ {
		_, err := p.InsertRecord([]byte(fmt.Sprintf("payload-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, p.DeleteRecord(3))

	buf := make([]byte, PageSize)
	require.NoError(t, p.SerializeTo(buf))

	q := &Page{}
	require.NoError(t, q.DeserializeFrom(buf))
	assert.True(t, q.VerifyChecksum())
	assert.False(t, q.Dirty(), "a loaded page starts clean")

	assert.Equal(t, p.ID(), q.ID())
	assert.Equal(t, p.Type(), q.Type())
	assert.Equal(t, p.SlotCount(), q.SlotCount())
	assert.Equal(t, p.FreeSpaceSize(), q.FreeSpaceSize())
	assert.True(t, bytes.Equal(p.buf[:], q.buf[:]), "full image must round-trip")

	for i := 0; i < 6; i++ {
		if i == 3 {
			continue
		}
		want, err := p.GetRecord(SlotID(i))
		require.NoError(t, err)
		got, err := q.GetRecord(SlotID(i))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestPageChecksum(t *testing.T) {
	t.Parallel()

	p := NewPage(7, PageTypeData)
	_, err := p.InsertRecord([]byte("checksummed"))
	require.NoError(t, err)
	p.UpdateChecksum()
	require.True(t, p.VerifyChecksum())

	// Any flipped content byte must be caught.
	p.buf[PageSize-10] ^= 0xff
	assert.False(t, p.VerifyChecksum())
	p.buf[PageSize-10] ^= 0xff
	assert.True(t, p.VerifyChecksum())

	// The checksum field itself is excluded from the hash.
	sum := p.Checksum()
	p.UpdateChecksum()
	assert.Equal(t, sum, p.Checksum())
}

func TestPageMarkClean(t *testing.T) {
	t.Parallel()

	p := NewPage(1, PageTypeData)
	p.MarkClean()
	require.False(t, p.Dirty())
	_, err := p.InsertRecord([]byte("x"))
	require.NoError(t, err)
	assert.True(t, p.Dirty(), "any mutator sets dirty")
}
