package sar

// ObfuscationKey derives the XOR stream key for a stored filename. The hash
// lowercases as it goes, so keys are case-insensitive, but separator
// characters matter: keys are computed over the path exactly as stored in
// the file table, Windows separators included.
func ObfuscationKey(s string) uint32 {
	key := uint32(0x54007b47)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		key = key*33 + uint32(c)
	}
	return key
}

// Obfuscate XORs data in place with the keyed stream. fileOffset is the
// logical offset of data[0] within the obfuscated region, so a region can be
// processed in arbitrary chunks. The transform is its own inverse.
func Obfuscate(key uint32, data []byte, fileOffset uint64) {
	i := int32(fileOffset)
	for j := range data {
		data[j] ^= byte((key >> ((uint32(i) % 4) << 3)) + uint32(i/4)*101)
		i++
	}
}
