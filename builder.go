package sar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"strings"

	"github.com/meigma/sar/internal/compress"
)

// BuilderFile is one file to pack into an archive.
type BuilderFile struct {
	// Path inside the archive. Either separator is accepted; the archive
	// stores Windows separators and readers look paths up case-insensitively.
	Path string

	Data []byte

	// ModifiedTime is seconds since the Unix epoch, zero for unknown.
	ModifiedTime uint64
}

type buildConfig struct {
	version    uint32
	gameDir    GameDirectory
	platform   Platform
	variation  uint16
	buildMajor uint32
	changelist uint32

	obfuscate     bool
	compressTable bool
	dirQueries    bool
	compressFiles bool
	dict          []byte
}

// BuildOption configures Build and WriteArchive.
type BuildOption func(*buildConfig)

// BuildVersion selects the archive format version to write. The default is
// CurrentVersion.
func BuildVersion(v uint32) BuildOption {
	return func(c *buildConfig) { c.version = v }
}

// BuildGameDirectory sets the game directory the archive belongs to. The
// default is DirectoryContent.
func BuildGameDirectory(d GameDirectory) BuildOption {
	return func(c *buildConfig) { c.gameDir = d }
}

// BuildPlatform sets the archive's target platform. The default is
// CurrentPlatform. Versions before 18 do not store it, but it still names
// the embedded dictionary entry.
func BuildPlatform(p Platform) BuildOption {
	return func(c *buildConfig) { c.platform = p }
}

// BuildVariation sets the package variation, stored by versions 13 and 21.
func BuildVariation(v uint16) BuildOption {
	return func(c *buildConfig) { c.variation = v }
}

// BuildVersionMajor sets the build version number recorded in the header.
// Together with the changelist it derives the file table obfuscation key.
func BuildVersionMajor(v uint32) BuildOption {
	return func(c *buildConfig) { c.buildMajor = v }
}

// BuildChangelist sets the build changelist recorded in the header.
func BuildChangelist(cl uint32) BuildOption {
	return func(c *buildConfig) { c.changelist = cl }
}

// BuildObfuscated XORs every stored payload with its per-file key.
func BuildObfuscated() BuildOption {
	return func(c *buildConfig) { c.obfuscate = true }
}

// BuildCompressedTable compresses the file table with the version's codec.
// The table is stored raw when compression does not shrink it.
func BuildCompressedTable() BuildOption {
	return func(c *buildConfig) { c.compressTable = true }
}

// BuildDirectoryQueries marks the archive as supporting directory listings.
func BuildDirectoryQueries() BuildOption {
	return func(c *buildConfig) { c.dirQueries = true }
}

// BuildCompressFiles compresses each payload with the version's codec,
// keeping the compressed form only when it is smaller than the original.
func BuildCompressFiles() BuildOption {
	return func(c *buildConfig) { c.compressFiles = true }
}

// BuildDict embeds dict as the platform's compression dictionary entry and
// compresses every other payload with it. Requires a zstd-era version.
func BuildDict(dict []byte) BuildOption {
	return func(c *buildConfig) { c.dict = dict }
}

// Build assembles a complete archive in memory: header, payloads aligned to
// eight bytes in input order, then the file table. The result round-trips
// through Open via OpenBytes.
func Build(files []BuilderFile, opts ...BuildOption) ([]byte, error) {
	cfg := buildConfig{
		version:  CurrentVersion,
		gameDir:  DirectoryContent,
		platform: CurrentPlatform(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !validVersion(cfg.version) {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, cfg.version)
	}
	if cfg.version == 21 && cfg.buildMajor > math.MaxUint16 {
		// Readers derive the table key from the header's 16-bit field, so a
		// wider value could never be read back.
		return nil, fmt.Errorf("sar: build version %d exceeds 16 bits for version 21", cfg.buildMajor)
	}

	b := &builder{cfg: cfg, feats: Header{Version: cfg.version}.Features()}
	defer b.close()

	if len(cfg.dict) > 0 {
		if b.feats.OldLZ4Compression {
			return nil, fmt.Errorf("sar: version %d does not support compression dictionaries", cfg.version)
		}
		dictFile := BuilderFile{Path: CompressionDictName(cfg.platform), Data: cfg.dict}
		files = append([]BuilderFile{dictFile}, files...)
	}

	type record struct {
		stored string
		entry  FileEntry
	}

	out := make([]byte, HeaderSize)
	recs := make([]record, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	dictPath := ""
	if len(cfg.dict) > 0 {
		dictPath = NormalizePath(CompressionDictName(cfg.platform))
	}

	for i, f := range files {
		if f.Path == "" {
			return nil, fmt.Errorf("sar: file %d has an empty path", i)
		}
		if strings.IndexByte(f.Path, 0) >= 0 {
			return nil, fmt.Errorf("sar: path %q contains a NUL byte", f.Path)
		}
		name := NormalizePath(f.Path)
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("sar: duplicate path %q", name)
		}
		seen[name] = struct{}{}

		stored := strings.ReplaceAll(f.Path, "/", "\\")
		payload := f.Data
		compressed := false
		if cfg.compressFiles {
			c, err := b.storedForm(f.Data, name != dictPath && dictPath != "")
			if err != nil {
				return nil, fmt.Errorf("compress %s: %w", name, err)
			}
			if c != nil {
				payload = c
				compressed = true
			}
		}
		if cfg.obfuscate {
			if !compressed {
				// Compressed payloads are scratch buffers already; raw ones
				// still alias the caller's data.
				payload = append([]byte(nil), payload...)
			}
			Obfuscate(ObfuscationKey(stored), payload, 0)
		}

		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		recs = append(recs, record{
			stored: stored,
			entry: FileEntry{
				Offset:           uint64(len(out)),
				CompressedSize:   uint64(len(payload)),
				UncompressedSize: uint64(len(f.Data)),
				ModifiedTime:     f.ModifiedTime,
				CRC32Pre:         crc32.ChecksumIEEE(f.Data),
				CRC32Post:        crc32.ChecksumIEEE(payload),
			},
		})
		out = append(out, payload...)
	}

	table := make([]byte, 0, len(recs)*(entrySize+32))
	for _, r := range recs {
		table = appendFileEntry(table, r.entry)
		table = binary.LittleEndian.AppendUint32(table, uint32(len(r.stored)+1))
		table = append(table, r.stored...)
		table = append(table, 0)
	}

	tableCompressed := false
	if cfg.compressTable {
		c, err := b.storedForm(table, false)
		if err != nil {
			return nil, fmt.Errorf("compress file table: %w", err)
		}
		if c != nil {
			table = c
			tableCompressed = true
		}
	}
	Obfuscate(ObfuscationKey(fmt.Sprintf("%d%d", cfg.buildMajor, cfg.changelist)), table, 0)
	if b.feats.FileTablePostCRC32 {
		table = binary.LittleEndian.AppendUint32(table, crc32.ChecksumIEEE(table))
	}

	tableOffset := uint64(len(out))
	out = append(out, table...)

	h := Header{
		Version:                  cfg.version,
		TotalPackageFileSize:     uint64(len(out)),
		OffsetToFileTable:        tableOffset,
		TotalEntriesInFileTable:  uint32(len(recs)),
		GameDirectory:            cfg.gameDir,
		CompressedFileTable:      tableCompressed,
		SizeOfFileTable:          uint32(len(table)),
		PackageVariation:         cfg.variation,
		BuildVersionMajor:        cfg.buildMajor,
		BuildChangelist:          cfg.changelist,
		SupportsDirectoryQueries: cfg.dirQueries,
		Obfuscated:               cfg.obfuscate,
		Platform:                 cfg.platform,
	}
	hdr, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	copy(out, hdr)
	return out, nil
}

// WriteArchive builds an archive and writes it to path.
func WriteArchive(path string, files []BuilderFile, opts ...BuildOption) error {
	data, err := Build(files, opts...)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// builder holds the lazily created encoders shared across payloads.
type builder struct {
	cfg   buildConfig
	feats Features
	plain *compress.Encoder
	dict  *compress.Encoder
}

func (b *builder) close() {
	if b.plain != nil {
		b.plain.Close()
	}
	if b.dict != nil {
		b.dict.Close()
	}
}

func (b *builder) encoder(withDict bool) (*compress.Encoder, error) {
	if withDict {
		if b.dict == nil {
			enc, err := compress.NewEncoder(b.cfg.dict)
			if err != nil {
				return nil, err
			}
			b.dict = enc
		}
		return b.dict, nil
	}
	if b.plain == nil {
		enc, err := compress.NewEncoder(nil)
		if err != nil {
			return nil, err
		}
		b.plain = enc
	}
	return b.plain, nil
}

// storedForm compresses raw with the version's codec and returns the chunk,
// or nil when raw should be stored as-is. A compressed form is kept only
// when strictly smaller: readers treat equal sizes as uncompressed.
func (b *builder) storedForm(raw []byte, withDict bool) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if b.feats.OldLZ4Compression {
		c, err := compress.CompressLZ4(raw)
		if errors.Is(err, compress.ErrIncompressible) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if len(c) >= len(raw) {
			return nil, nil
		}
		return c, nil
	}
	enc, err := b.encoder(withDict)
	if err != nil {
		return nil, err
	}
	if c := enc.CompressZstd(raw); len(c) < len(raw) {
		return c, nil
	}
	return nil, nil
}
