package core

import "github.com/twmb/murmur3"

// Hash32 is MurmurHash3 x86 32-bit with seed 0. Every SDK reading the same
// server data must bucket with this exact function.
func Hash32(value string) uint32 {
	return murmur3.Sum32([]byte(value))
}

// RolloutBucket maps groupID and a stickiness value into 1..100.
//
// The hash is read as a signed 32-bit integer and its absolute value taken
// before the modulo, matching the other client SDKs. The arithmetic is done in
// int64 so math.MinInt32 cannot overflow.
func RolloutBucket(groupID, stickinessValue string) int {
	signed := int64(int32(Hash32(groupID + ":" + stickinessValue)))
	if signed < 0 {
		signed = -signed
	}
	return int(signed%100) + 1
}

// VariantBucket maps flagName and a sticky value into 0..totalWeight-1 using
// the unsigned hash value. totalWeight must be positive.
func VariantBucket(flagName, stickyValue string, totalWeight int) int {
	return int(uint64(Hash32(flagName+":"+stickyValue)) % uint64(totalWeight))
}
