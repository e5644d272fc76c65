// Package sar reads and writes SeoulEngine .sar package archives and fills
// them progressively over HTTP range requests.
//
// A .sar archive is a single file: a 48-byte header, concatenated file
// payloads aligned to 8 bytes, and a trailing file table. Payloads may be
// compressed (LZ4 or zstd chunks, optionally with a shared zstd dictionary)
// and obfuscated with a per-file XOR stream. Every entry carries CRC-32
// values for both its stored and decompressed bytes, which makes partially
// downloaded archives safe to use: a file either verifies or it does not.
//
// [Open] validates an archive on disk and serves reads through fs.FS:
//
//	a, err := sar.Open("content.sar")
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//	data, err := a.ReadFile("authored/textures/logo.sif0")
//
// [Build] produces archives for tests and tooling, and the download
// subpackage keeps a local archive synchronized against a remote copy served
// by any HTTP server that honors Range requests:
//
//	d, err := download.New(download.Settings{
//	    URL:  "https://cdn.example.com/content.sar",
//	    Path: "cache/content.sar",
//	})
//
// The package implements fs.FS and related interfaces for stdlib
// compatibility.
package sar
