package gflake

import (
	"bytes"
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// ID is a 64-bit snowflake. Its numeric order follows issuance order within
// one generator.
type ID uint64

// Nil is the zero ID
var Nil ID

// String returns the decimal representation of the ID
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Int64 returns the ID reinterpreted as a signed integer
func (id ID) Int64() int64 {
	return int64(id)
}

// Uint64 returns the ID as an unsigned integer
func (id ID) Uint64() uint64 {
	return uint64(id)
}

// Components decodes the ID
func (id ID) Components() Components {
	return Decode(id)
}

// Timestamp returns the timestamp offset in milliseconds since the generator's epoch
func (id ID) Timestamp() int64 {
	return Decode(id).Timestamp
}

// ProcessID returns the process discriminator
func (id ID) ProcessID() int64 {
	return Decode(id).ProcessID
}

// WorkerSeed returns the worker discriminator
func (id ID) WorkerSeed() int64 {
	return Decode(id).WorkerSeed
}

// Sequence returns the intra-millisecond sequence number
func (id ID) Sequence() int64 {
	return Decode(id).Sequence
}

// Time returns the issuing time of the ID. epoch must be the one the ID was
// generated with; see ToTimestamp.
func (id ID) Time(epoch int64) time.Time {
	return ToTime(epoch, id)
}

// IsNil returns true if the ID is zero
func (id ID) IsNil() bool {
	return id == Nil
}

// Compare returns -1, 0 or +1 depending on whether id is less than, equal
// to, or greater than other.
func (id ID) Compare(other ID) int {
	switch {
	case id < other:
		return -1
	case id > other:
		return 1
	default:
		return 0
	}
}

// Bytes returns the ID as 8 big-endian bytes
func (id ID) Bytes() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// ParseID parses the decimal representation of an ID.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Nil, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	return ID(v), nil
}

// MustParse is like ParseID but panics if the string cannot be parsed.
func MustParse(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(fmt.Sprintf("gflake: ParseID(%q): %v", s, err))
	}
	return id
}

// Must is a helper that wraps a call to a function returning (ID, error)
// and panics if the error is non-nil.
//
//	var id = gflake.Must(gen.Next())
func Must(id ID, err error) ID {
	if err != nil {
		panic(err)
	}
	return id
}

// MarshalText implements the encoding.TextMarshaler interface
func (id ID) MarshalText() ([]byte, error) {
	return strconv.AppendUint(nil, uint64(id), 10), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface
func (id *ID) UnmarshalText(data []byte) error {
	v, err := ParseID(string(data))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// MarshalJSON encodes the ID as a quoted decimal string so that JavaScript
// clients do not lose precision above 2^53.
func (id ID) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, 22)
	b = append(b, '"')
	b = strconv.AppendUint(b, uint64(id), 10)
	return append(b, '"'), nil
}

// UnmarshalJSON accepts both quoted and bare decimal numbers.
func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	return id.UnmarshalText(bytes.Trim(data, `"`))
}

// MarshalBinary implements the encoding.BinaryMarshaler interface
func (id ID) MarshalBinary() ([]byte, error) {
	return id.Bytes(), nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface
func (id *ID) UnmarshalBinary(data []byte) error {
	v, err := FromBytes(data)
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// Scan implements the sql.Scanner interface for database compatibility
func (id *ID) Scan(src interface{}) error {
	switch src := src.(type) {
	case nil:
		return nil
	case int64:
		*id = ID(src)
		return nil
	case string:
		v, err := ParseID(src)
		if err != nil {
			return err
		}
		*id = v
		return nil
	case []byte:
		if len(src) == 0 {
			return nil
		}
		v, err := ParseID(string(src))
		if err != nil {
			return err
		}
		*id = v
		return nil
	default:
		return fmt.Errorf("gflake: cannot scan type %T into ID", src)
	}
}

// Value implements the driver.Valuer interface. The ID is stored as a
// signed BIGINT; values with the top bit set come back intact through Scan.
func (id ID) Value() (driver.Value, error) {
	return int64(id), nil
}
