package ledger

import "math"

// RenewLiveUntil computes the new expiry sequence for an extend request
// issued at ledger sequence seq. When fewer than threshold sequences
// remain the expiry moves to seq+extendTo; it is never shortened.
func RenewLiveUntil(seq, liveUntil, threshold, extendTo uint32) uint32 {
	var remaining uint32
	if liveUntil > seq {
		remaining = liveUntil - seq
	}
	if remaining >= threshold {
		return liveUntil
	}
	target := uint64(seq) + uint64(extendTo)
	if target > math.MaxUint32 {
		target = math.MaxUint32
	}
	if uint32(target) < liveUntil {
		return liveUntil
	}
	return uint32(target)
}
