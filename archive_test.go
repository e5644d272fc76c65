package sar

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFiles converts a path->content map into BuilderFiles in sorted path
// order so offsets are deterministic.
func testFiles(files map[string][]byte) []BuilderFile {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]BuilderFile, 0, len(names))
	for _, name := range names {
		out = append(out, BuilderFile{Path: name, Data: files[name]})
	}
	return out
}

// buildArchive builds an archive in memory and fails the test on error.
func buildArchive(t *testing.T, files map[string][]byte, opts ...BuildOption) []byte {
	t.Helper()
	data, err := Build(testFiles(files), opts...)
	require.NoError(t, err)
	return data
}

// openArchive builds an archive and opens it from memory.
func openArchive(t *testing.T, files map[string][]byte, opts ...BuildOption) *Archive {
	t.Helper()
	a, err := OpenBytes("test.sar", buildArchive(t, files, opts...))
	require.NoError(t, err)
	return a
}

// writeArchive builds an archive into a temp file and returns its path.
func writeArchive(t *testing.T, files map[string][]byte, opts ...BuildOption) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sar")
	require.NoError(t, WriteArchive(path, testFiles(files), opts...))
	return path
}

func TestOpenReadsContent(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"authored/a.txt": []byte("content a"),
		"authored/b.txt": bytes.Repeat([]byte("b"), 500),
		"empty.dat":      {},
	}
	a := openArchive(t, files)

	assert.True(t, a.Ok())
	assert.Equal(t, StateOk, a.State())
	assert.NoError(t, a.LoadError())
	assert.Equal(t, CurrentVersion, a.Header().Version)
	assert.Equal(t, DirectoryContent, a.Header().GameDirectory)
	assert.Equal(t, 3, a.FileTable().Len())
	assert.True(t, a.HasPostCRC32())

	for name, want := range files {
		got, err := a.ReadFile(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestOpenAllVersions(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"config/app.json":  bytes.Repeat([]byte(`{"key":"value"},`), 200),
		"content/tiny.bin": []byte{1, 2, 3},
		"content/zero.bin": {},
	}
	for _, v := range []uint32{13, 16, 17, 18, 19, 20, 21} {
		t.Run(fmt.Sprintf("v%d", v), func(t *testing.T) {
			t.Parallel()
			a := openArchive(t, files,
				BuildVersion(v),
				BuildObfuscated(),
				BuildCompressFiles(),
				BuildCompressedTable(),
				BuildDirectoryQueries(),
				BuildVersionMajor(4),
				BuildChangelist(1234))

			assert.Equal(t, v, a.Header().Version)
			assert.True(t, a.Header().Obfuscated)
			for name, want := range files {
				got, err := a.ReadFile(name)
				require.NoError(t, err)
				assert.Equal(t, want, got, name)
			}
		})
	}
}

func TestOpenFromDisk(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"a.txt": []byte("from disk"),
	}
	path := writeArchive(t, files)

	t.Run("file backed", func(t *testing.T) {
		t.Parallel()
		a, err := Open(path)
		require.NoError(t, err)
		defer a.Close()

		assert.Equal(t, path, a.Path())
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, info.Size(), a.Size())

		got, err := a.ReadFile("a.txt")
		require.NoError(t, err)
		assert.Equal(t, []byte("from disk"), got)
	})

	t.Run("load into memory", func(t *testing.T) {
		t.Parallel()
		a, err := Open(path, WithLoadIntoMemory())
		require.NoError(t, err)
		defer a.Close()

		got, err := a.ReadFile("a.txt")
		require.NoError(t, err)
		assert.Equal(t, []byte("from disk"), got)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		a, err := Open(filepath.Join(t.TempDir(), "missing.sar"))
		require.Error(t, err)
		assert.False(t, a.Ok())
		assert.Equal(t, StateFailed, a.State())
		assert.ErrorIs(t, a.LoadError(), fs.ErrNotExist)
	})
}

func TestOpenValidationFailures(t *testing.T) {
	t.Parallel()

	base := buildArchive(t, map[string][]byte{"a.txt": []byte("validation fodder")})

	corrupt := func(mutate func([]byte) []byte) []byte {
		data := append([]byte(nil), base...)
		return mutate(data)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{
			name: "truncated header",
			data: base[:10],
			want: io.ErrUnexpectedEOF,
		},
		{
			name: "bad signature",
			data: corrupt(func(d []byte) []byte { d[0] ^= 0xFF; return d }),
			want: ErrBadSignature,
		},
		{
			name: "unsupported version",
			data: corrupt(func(d []byte) []byte { d[4] = 14; return d }),
			want: ErrBadVersion,
		},
		{
			name: "truncated archive",
			data: base[:len(base)-1],
			want: ErrSizeMismatch,
		},
		{
			name: "trailing garbage",
			data: corrupt(func(d []byte) []byte { return append(d, 0) }),
			want: ErrSizeMismatch,
		},
		{
			name: "corrupt file table",
			data: corrupt(func(d []byte) []byte { d[len(d)-5] ^= 0xFF; return d }),
			want: ErrBadFileTable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, err := OpenBytes("bad.sar", tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, a.Ok())
			assert.Equal(t, StateFailed, a.State())
			assert.ErrorIs(t, a.LoadError(), tt.want)
		})
	}
}

func TestFailedArchiveGatesReads(t *testing.T) {
	t.Parallel()

	base := buildArchive(t, map[string][]byte{"a.txt": []byte("gated")})
	a, err := OpenBytes("bad.sar", base[:len(base)-1])
	require.Error(t, err)

	_, err = a.ReadFile("a.txt")
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = a.Open("a.txt")
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = a.Stat("a.txt")
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.False(t, a.Exists("a.txt"))
	assert.False(t, a.CheckAllCRC32())
	assert.Nil(t, a.EntriesByOffset())
	assert.Nil(t, a.FileTable())
}

func TestOpenRejectsConflictingOptions(t *testing.T) {
	t.Parallel()

	t.Run("write access with load into memory", func(t *testing.T) {
		t.Parallel()
		path := writeArchive(t, map[string][]byte{"a.txt": []byte("x")})
		_, err := Open(path, WithWriteAccess(), WithLoadIntoMemory())
		require.Error(t, err)
	})

	t.Run("write access in memory", func(t *testing.T) {
		t.Parallel()
		data := buildArchive(t, map[string][]byte{"a.txt": []byte("x")})
		_, err := OpenBytes("mem.sar", data, WithWriteAccess())
		require.Error(t, err)
	})
}

func TestReadAtReturnsStoredBytes(t *testing.T) {
	t.Parallel()

	content := []byte("raw bytes as stored")
	a := openArchive(t, map[string][]byte{"a.txt": content})

	te, ok := a.FileTable().Lookup("a.txt")
	require.True(t, ok)

	buf := make([]byte, te.Entry.CompressedSize)
	n, err := a.ReadAt(buf, int64(te.Entry.Offset))
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, content, buf)

	// The first 48 bytes round-trip through the header codec.
	hdr := make([]byte, HeaderSize)
	_, err = a.ReadAt(hdr, 0)
	require.NoError(t, err)
	h, err := ReadHeader(hdr)
	require.NoError(t, err)
	assert.Equal(t, a.Header(), h)
}

func TestReadAtObfuscatedDiffersFromContent(t *testing.T) {
	t.Parallel()

	content := []byte("hidden from casual inspection")
	a := openArchive(t, map[string][]byte{"a.txt": content}, BuildObfuscated())

	te, ok := a.FileTable().Lookup("a.txt")
	require.True(t, ok)

	stored := make([]byte, te.Entry.CompressedSize)
	_, err := a.ReadAt(stored, int64(te.Entry.Offset))
	require.NoError(t, err)
	assert.NotEqual(t, content, stored)

	got, err := a.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestOpenFileHandle(t *testing.T) {
	t.Parallel()

	content := []byte("0123456789abcdefghij")
	variants := map[string][]BuildOption{
		"plain":                     nil,
		"obfuscated":                {BuildObfuscated()},
		"compressed":                {BuildCompressFiles()},
		"obfuscated and compressed": {BuildObfuscated(), BuildCompressFiles()},
	}
	for name, opts := range variants {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			big := append(bytes.Repeat([]byte("pad "), 300), content...)
			a := openArchive(t, map[string][]byte{"f.bin": big}, opts...)

			f, err := a.Open("f.bin")
			require.NoError(t, err)
			defer f.Close()

			info, err := f.Stat()
			require.NoError(t, err)
			assert.Equal(t, "f.bin", info.Name())
			assert.Equal(t, int64(len(big)), info.Size())
			assert.False(t, info.IsDir())

			got, err := io.ReadAll(f)
			require.NoError(t, err)
			assert.Equal(t, big, got)

			// Seek from the end and read the tail.
			seeker := f.(io.Seeker)
			off, err := seeker.Seek(-int64(len(content)), io.SeekEnd)
			require.NoError(t, err)
			assert.Equal(t, int64(len(big)-len(content)), off)
			tail, err := io.ReadAll(f)
			require.NoError(t, err)
			assert.Equal(t, content, tail)

			// Positional reads do not disturb the cursor.
			ra := f.(io.ReaderAt)
			mid := make([]byte, 5)
			_, err = ra.ReadAt(mid, 4)
			require.NoError(t, err)
			assert.Equal(t, big[4:9], mid)

			_, err = seeker.Seek(0, io.SeekStart)
			require.NoError(t, err)
			again, err := io.ReadAll(f)
			require.NoError(t, err)
			assert.Equal(t, big, again)
		})
	}
}

func TestOpenFileErrors(t *testing.T) {
	t.Parallel()

	a := openArchive(t, map[string][]byte{"a.txt": []byte("x")})

	_, err := a.Open("missing.txt")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = a.Open("../escape")
	assert.ErrorIs(t, err, fs.ErrInvalid)

	f, err := a.Open("a.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	buf := make([]byte, 1)
	_, err = f.Read(buf)
	assert.ErrorIs(t, err, fs.ErrClosed)
}

func TestLookupIsCaseAndSeparatorInsensitive(t *testing.T) {
	t.Parallel()

	a := openArchive(t, map[string][]byte{`Authored\Textures\Logo.dat`: []byte("logo")})

	for _, name := range []string{
		`Authored\Textures\Logo.dat`,
		"authored/textures/logo.dat",
		"AUTHORED/TEXTURES/LOGO.DAT",
		`authored\textures/Logo.DAT`,
	} {
		assert.True(t, a.Exists(name), name)
		got, err := a.ReadFile(name)
		require.NoError(t, err)
		assert.Equal(t, []byte("logo"), got)
	}
}

func TestStatReportsEntryInfo(t *testing.T) {
	t.Parallel()

	files := testFiles(map[string][]byte{"dir/file.bin": bytes.Repeat([]byte("z"), 77)})
	files[0].ModifiedTime = 1700000000
	data, err := Build(files)
	require.NoError(t, err)
	a, err := OpenBytes("test.sar", data)
	require.NoError(t, err)

	info, err := a.Stat("dir/file.bin")
	require.NoError(t, err)
	assert.Equal(t, "file.bin", info.Name())
	assert.Equal(t, int64(77), info.Size())
	assert.Equal(t, int64(1700000000), info.ModTime().Unix())
	assert.False(t, info.IsDir())
	assert.Equal(t, fs.FileMode(0o444), info.Mode())

	_, err = a.Stat("dir/missing.bin")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestCommitPatchesFile(t *testing.T) {
	t.Parallel()

	content := []byte("original content here")
	path := writeArchive(t, map[string][]byte{"a.txt": content})

	a, err := Open(path, WithWriteAccess())
	require.NoError(t, err)
	defer a.Close()

	te, ok := a.FileTable().Lookup("a.txt")
	require.True(t, ok)

	// Patch the stored bytes in place and read them back raw.
	require.NoError(t, a.Commit(int64(te.Entry.Offset), []byte("REWRITTEN")))
	require.NoError(t, a.Flush())

	buf := make([]byte, 9)
	_, err = a.ReadAt(buf, int64(te.Entry.Offset))
	require.NoError(t, err)
	assert.Equal(t, []byte("REWRITTEN"), buf)

	// Extending the file grows Size.
	before := a.Size()
	require.NoError(t, a.Commit(before, []byte("tail")))
	assert.Equal(t, before+4, a.Size())
}

func TestCommitRequiresWriteAccess(t *testing.T) {
	t.Parallel()

	path := writeArchive(t, map[string][]byte{"a.txt": []byte("x")})
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	assert.ErrorIs(t, a.Commit(0, []byte{0}), ErrNoWriteAccess)
	assert.ErrorIs(t, a.Flush(), ErrNoWriteAccess)
}

func TestDeleteAlwaysFails(t *testing.T) {
	t.Parallel()

	a := openArchive(t, map[string][]byte{"a.txt": []byte("x")})
	err := a.Delete("a.txt")
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestCloseStopsReads(t *testing.T) {
	t.Parallel()

	path := writeArchive(t, map[string][]byte{"a.txt": []byte("x")})
	a, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.ReadFile("a.txt")
	assert.ErrorIs(t, err, fs.ErrClosed)
}

func TestEntriesByOffsetSorted(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"c.bin": bytes.Repeat([]byte("c"), 100),
		"a.bin": bytes.Repeat([]byte("a"), 50),
		"b.bin": bytes.Repeat([]byte("b"), 75),
	}
	a := openArchive(t, files)

	entries := a.EntriesByOffset()
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Entry.Offset, entries[i].Entry.Offset)
	}
	for _, e := range entries {
		assert.False(t, e.OK)
		assert.NotZero(t, e.Entry.UncompressedSize)
	}
}

func TestConcurrentReads(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"a.bin": bytes.Repeat([]byte("alpha "), 2000),
		"b.bin": bytes.Repeat([]byte("beta "), 2000),
		"c.bin": bytes.Repeat([]byte("gamma "), 2000),
	}
	path := writeArchive(t, files, BuildCompressFiles())
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	done := make(chan error, 30)
	for range 10 {
		for name, want := range files {
			go func() {
				got, err := a.ReadFile(name)
				if err == nil && !bytes.Equal(got, want) {
					err = fmt.Errorf("content mismatch for %s", name)
				}
				done <- err
			}()
		}
	}
	for range 30 {
		require.NoError(t, <-done)
	}
}
