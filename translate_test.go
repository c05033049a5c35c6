package gflake

import (
	"errors"
	"testing"
	"time"
)

func TestToTimestamp(t *testing.T) {
	const epoch int64 = 1555301520000
	id := Must(Encode(112707986, 6, 6, 0))

	tests := []struct {
		name    string
		unit    Unit
		want    int64
		wantErr bool
	}{
		{"default", "", 1555414227986, false},
		{"milliseconds", Milliseconds, 1555414227986, false},
		{"seconds", Seconds, 1555414227, false},
		{"minutes", Unit("m"), 0, true},
		{"upper case", Unit("MS"), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToTimestamp(epoch, id, tt.unit)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ToTimestamp() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidUnit) {
					t.Errorf("ToTimestamp() error = %v, want ErrInvalidUnit", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ToTimestamp() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestToTimestamp_SecondsTruncate(t *testing.T) {
	id := Must(Encode(1999, 0, 0, 0))
	got, _ := ToTimestamp(0, id, Seconds)
	if got != 1 {
		t.Errorf("ToTimestamp(1999ms, s) = %d, want 1", got)
	}
}

// A mismatched epoch is not detectable; it shifts the result by the difference.
func TestToTimestamp_EpochMismatch(t *testing.T) {
	id := Must(Encode(5000, 1, 1, 1))

	right, _ := ToTimestamp(DefaultEpoch, id, Milliseconds)
	wrong, err := ToTimestamp(DefaultEpoch+60000, id, Milliseconds)
	if err != nil {
		t.Fatalf("ToTimestamp() error = %v", err)
	}
	if wrong-right != 60000 {
		t.Errorf("mismatched epoch shifted result by %d, want 60000", wrong-right)
	}
}

func TestParseUnit(t *testing.T) {
	if u, err := ParseUnit(""); err != nil || u != Milliseconds {
		t.Errorf("ParseUnit(\"\") = %v, %v", u, err)
	}
	if u, err := ParseUnit("s"); err != nil || u != Seconds {
		t.Errorf("ParseUnit(\"s\") = %v, %v", u, err)
	}
	if _, err := ParseUnit("ns"); !errors.Is(err, ErrInvalidUnit) {
		t.Errorf("ParseUnit(\"ns\") error = %v", err)
	}
}

func TestToTime(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 1, 2, 3, 4, 5, 6e6, time.UTC).UnixMilli())
	gen, _ := New(DefaultEpoch, 0, 0, WithClock(clock))
	id := Must(gen.Next())

	want := time.Date(2024, 1, 2, 3, 4, 5, 6e6, time.UTC)
	if got := ToTime(DefaultEpoch, id); !got.Equal(want) {
		t.Errorf("ToTime() = %v, want %v", got, want)
	}
	if got, _ := gen.ToTimestamp(id, Milliseconds); got != want.UnixMilli() {
		t.Errorf("Generator.ToTimestamp() = %d, want %d", got, want.UnixMilli())
	}
}
