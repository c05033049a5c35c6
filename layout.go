package gflake

// Bit widths of the snowflake fields, most significant first:
//
//	| 42 bit timestamp offset | 5 bit process ID | 5 bit worker seed | 12 bit sequence |
const (
	TimestampBits  = 42
	ProcessIDBits  = 5
	WorkerSeedBits = 5
	SequenceBits   = 12
)

// Field maxima. The timestamp field reaches bit 63, so an ID issued 2^41 ms
// (about 69.7 years) or more after its epoch has the sign bit set: it is
// negative as an int64 and Value stores it as a negative BIGINT.
const (
	MaxTimestamp  int64 = 1<<TimestampBits - 1
	MaxProcessID  int64 = 1<<ProcessIDBits - 1
	MaxWorkerSeed int64 = 1<<WorkerSeedBits - 1
	MaxSequence   int64 = 1<<SequenceBits - 1

	// SequenceCapacity is the number of IDs one generator can issue per millisecond.
	SequenceCapacity = MaxSequence + 1
)

const (
	workerSeedShift = SequenceBits
	processIDShift  = SequenceBits + WorkerSeedBits
	timestampShift  = SequenceBits + WorkerSeedBits + ProcessIDBits
)

// Components are the decoded fields of an ID.
type Components struct {
	Timestamp  int64 `json:"timestamp"` // milliseconds since the epoch
	ProcessID  int64 `json:"process_id"`
	WorkerSeed int64 `json:"worker_seed"`
	Sequence   int64 `json:"sequence"`
}

// Encode packs the four fields into an ID. It returns a *RangeError when a
// field is negative or wider than its bit width. A timestamp of 1<<41 or
// more sets the top bit of the result; see MaxTimestamp.
func Encode(timestamp, processID, workerSeed, sequence int64) (ID, error) {
	if err := checkRange("timestamp", timestamp, MaxTimestamp); err != nil {
		return 0, err
	}
	if err := checkRange("process ID", processID, MaxProcessID); err != nil {
		return 0, err
	}
	if err := checkRange("worker seed", workerSeed, MaxWorkerSeed); err != nil {
		return 0, err
	}
	if err := checkRange("sequence", sequence, MaxSequence); err != nil {
		return 0, err
	}
	return ID(uint64(timestamp)<<timestampShift |
		uint64(processID)<<processIDShift |
		uint64(workerSeed)<<workerSeedShift |
		uint64(sequence)), nil
}

// Decode splits an ID into its fields. Every 64-bit value decodes.
func Decode(id ID) Components {
	u := uint64(id)
	return Components{
		Timestamp:  int64(u >> timestampShift),
		ProcessID:  int64(u>>processIDShift) & MaxProcessID,
		WorkerSeed: int64(u>>workerSeedShift) & MaxWorkerSeed,
		Sequence:   int64(u) & MaxSequence,
	}
}

func checkRange(field string, v, max int64) error {
	if v < 0 || v > max {
		return &RangeError{Field: field, Value: v, Max: max}
	}
	return nil
}
