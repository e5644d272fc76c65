package sar

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCRC32AllFiles(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"a.bin": bytes.Repeat([]byte("a"), 100),
		"b.bin": bytes.Repeat([]byte("b"), 200),
		"c.bin": bytes.Repeat([]byte("c"), 300),
		"z.bin": {},
	}
	a := openArchive(t, files)

	results, ok := a.CheckCRC32(nil)
	assert.True(t, ok)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.OK, r.Path)
	}
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Entry.Offset, results[i].Entry.Offset)
	}
	assert.True(t, a.CheckAllCRC32())
}

func TestCheckCRC32DetectsCorruption(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"good.bin": bytes.Repeat([]byte("g"), 150),
		"bad.bin":  bytes.Repeat([]byte("b"), 150),
	}
	data := buildArchive(t, files)
	a, err := OpenBytes("test.sar", data)
	require.NoError(t, err)

	te, ok := a.FileTable().Lookup("bad.bin")
	require.True(t, ok)
	data[te.Entry.Offset] ^= 0xFF

	results, allOK := a.CheckCRC32(nil)
	assert.False(t, allOK)
	byPath := map[string]bool{}
	for _, r := range results {
		byPath[r.Path] = r.OK
	}
	assert.True(t, byPath["good.bin"])
	assert.False(t, byPath["bad.bin"])

	assert.False(t, a.CheckAllCRC32())
	assert.False(t, a.CheckFileCRC32("bad.bin"))
	assert.True(t, a.CheckFileCRC32("good.bin"))

	// Repairing the byte restores the checks.
	data[te.Entry.Offset] ^= 0xFF
	assert.True(t, a.CheckAllCRC32())
}

func TestCheckCRC32Subset(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"a.bin": bytes.Repeat([]byte("a"), 100),
		"b.bin": bytes.Repeat([]byte("b"), 100),
		"c.bin": bytes.Repeat([]byte("c"), 100),
	}
	a := openArchive(t, files)

	// Requested entries are refilled from the table, unknown paths are
	// dropped, and results come back in offset order.
	in := []CRC32Entry{
		{Path: "c.bin"},
		{Path: "missing.bin"},
		{Path: "A.BIN"},
	}
	results, ok := a.CheckCRC32(in)
	assert.True(t, ok)
	require.Len(t, results, 2)
	assert.Equal(t, "a.bin", results[0].Path)
	assert.Equal(t, "c.bin", results[1].Path)
	for _, r := range results {
		assert.True(t, r.OK)
		assert.Equal(t, uint64(100), r.Entry.UncompressedSize)
	}

	// Only unknown paths leaves nothing to check.
	results, ok = a.CheckCRC32([]CRC32Entry{{Path: "missing.bin"}})
	assert.True(t, ok)
	assert.Empty(t, results)
}

func TestCheckCRC32Batching(t *testing.T) {
	t.Parallel()

	// Many small adjacent files coalesce into shared reads; the large file
	// exceeds the batch target and is read alone.
	files := make(map[string][]byte, 41)
	for i := range 40 {
		files[fmt.Sprintf("small_%02d.bin", i)] = bytes.Repeat([]byte{byte(i)}, 50)
	}
	files["large.bin"] = bytes.Repeat([]byte("L"), 5000)

	a := openArchive(t, files)
	results, ok := a.CheckCRC32(nil)
	assert.True(t, ok)
	assert.Len(t, results, 41)

	// A sparse subset spans gaps wider than the batch overflow and still
	// verifies correctly.
	sparse := []CRC32Entry{
		{Path: "small_00.bin"},
		{Path: "small_39.bin"},
		{Path: "large.bin"},
	}
	results, ok = a.CheckCRC32(sparse)
	assert.True(t, ok)
	assert.Len(t, results, 3)
}

func TestCheckCRC32ReadFailureFailsRemainder(t *testing.T) {
	t.Parallel()

	// Each file exceeds the batch read target, so every entry is its own
	// read and the failure point is predictable.
	files := map[string][]byte{
		"a.bin": bytes.Repeat([]byte("a"), 5000),
		"b.bin": bytes.Repeat([]byte("b"), 5000),
		"c.bin": bytes.Repeat([]byte("c"), 5000),
	}
	path := writeArchive(t, files)
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	// Cut the backing file at the second entry. Entries below the cut
	// still verify; the one the read fails on and everything after it
	// come back not ok.
	te, ok := a.FileTable().Lookup("b.bin")
	require.True(t, ok)
	require.NoError(t, os.Truncate(path, int64(te.Entry.Offset)))

	results, allOK := a.CheckCRC32(nil)
	assert.False(t, allOK)
	byPath := map[string]bool{}
	for _, r := range results {
		byPath[r.Path] = r.OK
	}
	assert.True(t, byPath["a.bin"])
	assert.False(t, byPath["b.bin"])
	assert.False(t, byPath["c.bin"])

	assert.False(t, a.CheckAllCRC32())
	assert.False(t, a.CheckFileCRC32("c.bin"))
}

func TestCheckCRC32NotLoaded(t *testing.T) {
	t.Parallel()

	base := buildArchive(t, map[string][]byte{"a.txt": []byte("x")})
	a, err := OpenBytes("bad.sar", base[:len(base)-1])
	require.Error(t, err)

	results, ok := a.CheckCRC32(nil)
	assert.False(t, ok)
	assert.Nil(t, results)

	// Requested entries come back failed with their metadata cleared.
	results, ok = a.CheckCRC32([]CRC32Entry{{Path: "a.txt", Entry: FileEntry{Offset: 5}}})
	assert.False(t, ok)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Zero(t, results[0].Entry)
}

func TestCheckCRC32PreFallback(t *testing.T) {
	t.Parallel()

	// Obfuscated v18 archives have no stored-bytes CRCs, so verification
	// reads each file through the decompressing path.
	files := map[string][]byte{
		"a.bin": bytes.Repeat([]byte("pre-crc a "), 50),
		"b.bin": bytes.Repeat([]byte("pre-crc b "), 50),
	}
	data, err := Build(testFiles(files), BuildVersion(18), BuildObfuscated())
	require.NoError(t, err)
	a, err := OpenBytes("v18.sar", data)
	require.NoError(t, err)

	assert.False(t, a.HasPostCRC32())
	assert.True(t, a.CheckAllCRC32())
	assert.True(t, a.CheckFileCRC32("a.bin"))

	te, ok := a.FileTable().Lookup("b.bin")
	require.True(t, ok)
	data[te.Entry.Offset+3] ^= 0xFF

	results, allOK := a.CheckCRC32(nil)
	assert.False(t, allOK)
	for _, r := range results {
		assert.Equal(t, r.Path == "a.bin", r.OK, r.Path)
	}
	assert.False(t, a.CheckFileCRC32("b.bin"))
}

func TestCheckFileCRC32(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"a.bin":     bytes.Repeat([]byte("a"), 64),
		"empty.bin": {},
	}
	a := openArchive(t, files)

	assert.True(t, a.CheckFileCRC32("a.bin"))
	assert.True(t, a.CheckFileCRC32("A.BIN"))
	assert.True(t, a.CheckFileCRC32("empty.bin"))
	assert.False(t, a.CheckFileCRC32("missing.bin"))
}
