package arklib

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
)

const (
	SEQUENCE_LOCKTIME_MASK        = 0x0000ffff
	SEQUENCE_LOCKTIME_TYPE_FLAG   = 1 << 22
	SEQUENCE_LOCKTIME_GRANULARITY = 9
	SECONDS_MOD                   = 1 << SEQUENCE_LOCKTIME_GRANULARITY
	SECONDS_MAX                   = SEQUENCE_LOCKTIME_MASK << SEQUENCE_LOCKTIME_GRANULARITY

	SECONDS_PER_BLOCK = 10 * 60 // 10 minutes

	// announced expiries below this value are expressed in blocks
	minSecondsLocktime = 512
)

// RelativeLocktimeType represents a BIP68 relative locktime
// it is passed as argument to CheckSequenceVerify opcode
type RelativeLocktimeType uint

const (
	LocktimeTypeSecond RelativeLocktimeType = iota
	LocktimeTypeBlock
)

func (t RelativeLocktimeType) String() string {
	if t == LocktimeTypeBlock {
		return "block"
	}
	return "second"
}

// RelativeLocktime represents a BIP68 relative timelock value
type RelativeLocktime struct {
	Type  RelativeLocktimeType
	Value uint32
}

// RelativeLocktimeFromValue interprets a batch expiry as announced by the server:
// values below 512 are a number of blocks, the others a number of seconds.
func RelativeLocktimeFromValue(value int64) (RelativeLocktime, error) {
	if value <= 0 || value > int64(^uint32(0)) {
		return RelativeLocktime{}, fmt.Errorf("invalid relative locktime %d", value)
	}
	if value < minSecondsLocktime {
		return RelativeLocktime{Type: LocktimeTypeBlock, Value: uint32(value)}, nil
	}
	return RelativeLocktime{Type: LocktimeTypeSecond, Value: uint32(value)}, nil
}

func (l RelativeLocktime) Seconds() int64 {
	if l.Type == LocktimeTypeBlock {
		return int64(l.Value) * SECONDS_PER_BLOCK
	}
	return int64(l.Value)
}

func (l RelativeLocktime) String() string {
	return fmt.Sprintf("%d %ss", l.Value, l.Type)
}

func BIP68Sequence(locktime RelativeLocktime) (uint32, error) {
	value := locktime.Value
	isSeconds := locktime.Type == LocktimeTypeSecond
	if isSeconds {
		if value > SECONDS_MAX {
			return 0, fmt.Errorf("seconds too large, max is %d", SECONDS_MAX)
		}
		if value%SECONDS_MOD != 0 {
			return 0, fmt.Errorf("seconds must be a multiple of %d", SECONDS_MOD)
		}
	}

	return blockchain.LockTimeToSequence(isSeconds, value), nil
}
