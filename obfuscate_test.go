package sar

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObfuscateSelfInverse(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 1000)
	_, err := rng.Read(data)
	require.NoError(t, err)
	original := append([]byte(nil), data...)

	key := ObfuscationKey(`authored\textures\logo.sif0`)
	Obfuscate(key, data, 0)
	assert.NotEqual(t, original, data)
	Obfuscate(key, data, 0)
	assert.Equal(t, original, data)
}

func TestObfuscateIsPositional(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(2))
	whole := make([]byte, 777)
	_, err := rng.Read(whole)
	require.NoError(t, err)

	key := ObfuscationKey("data.bin")
	want := append([]byte(nil), whole...)
	Obfuscate(key, want, 0)

	// Obfuscating in arbitrary chunks at matching offsets produces the
	// same stream.
	for _, split := range []int{0, 1, 100, 333, 776, 777} {
		chunked := append([]byte(nil), whole...)
		Obfuscate(key, chunked[:split], 0)
		Obfuscate(key, chunked[split:], uint64(split))
		assert.Equal(t, want, chunked, "split at %d", split)
	}
}

func TestObfuscationKey(t *testing.T) {
	t.Parallel()

	// The key hash starts from a fixed seed; an empty path returns it.
	assert.Equal(t, uint32(0x54007b47), ObfuscationKey(""))

	// Keys are case-insensitive but separator-sensitive.
	assert.Equal(t, ObfuscationKey(`Data\File.TXT`), ObfuscationKey(`data\file.txt`))
	assert.NotEqual(t, ObfuscationKey(`data\file.txt`), ObfuscationKey(`data/file.txt`))
	assert.NotEqual(t, ObfuscationKey("a"), ObfuscationKey("b"))
}

func TestObfuscateDistinctKeysDiverge(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0}, 64)
	a := append([]byte(nil), data...)
	b := append([]byte(nil), data...)
	Obfuscate(ObfuscationKey("one"), a, 0)
	Obfuscate(ObfuscationKey("two"), b, 0)
	assert.NotEqual(t, a, b)
}
