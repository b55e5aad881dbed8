package sdruntime

import (
	"crypto/rand"
	"encoding/binary"
)

// RandomSeed returns a non-negative seed that fits sd's 32-bit RNG input.
func RandomSeed() int64 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 42
	}
	return int64(binary.LittleEndian.Uint32(buf[:]) & 0x7fffffff)
}
