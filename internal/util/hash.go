// Package util contains internal helpers (key hashing, partition bits).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// PartitionBits is the number of distinct partitions a change mask can name.
const PartitionBits = 31

// Hash64 hashes common key types with xxhash.
// Supported without allocation: string, []byte, all int/uint widths, floats, bool.
// Other comparable keys fall back to their fmt representation, which may
// collide; callers only use the hash for approximate partitioning.
func Hash64[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return xxhash.Sum64String(v)
	case []byte:
		return xxhash.Sum64(v)
	case bool:
		if v {
			return hashUint64(1)
		}
		return hashUint64(0)

	// Integer-like keys: hash little-endian bytes of the value.
	case uint8:
		return hashUint64(uint64(v))
	case uint16:
		return hashUint64(uint64(v))
	case uint32:
		return hashUint64(uint64(v))
	case uint64:
		return hashUint64(v)
	case uint:
		return hashUint64(uint64(v))
	case uintptr:
		return hashUint64(uint64(v))
	case int8:
		return hashUint64(uint64(uint8(v)))
	case int16:
		return hashUint64(uint64(uint16(v)))
	case int32:
		return hashUint64(uint64(uint32(v)))
	case int64:
		return hashUint64(uint64(v))
	case int:
		return hashUint64(uint64(v))
	case float32:
		return hashUint64(uint64(math.Float32bits(v)))
	case float64:
		return hashUint64(math.Float64bits(v))

	case fmt.Stringer:
		return xxhash.Sum64String(v.String())
	default:
		return xxhash.Sum64String(fmt.Sprintf("%T:%v", k, k))
	}
}

// PartitionBit maps a key onto one of PartitionBits bits of a change mask.
// Distinct keys may share a bit; readers then re-check and find nothing new.
func PartitionBit[K comparable](k K) uint32 {
	return 1 << (Hash64(k) % PartitionBits)
}

func hashUint64(u uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	return xxhash.Sum64(b[:])
}
