package format

import (
	"testing"
	"time"
)

func TestHumanNumber(t *testing.T) {
	cases := map[uint64]string{
		0:                 "0",
		999:               "999",
		1000:              "1.00K",
		39_000_000:        "39.0M",
		244_000_000:       "244M",
		1_550_000_000:     "1.55B",
		2_000_000_000_000: "2.00T",
	}

	for input, want := range cases {
		if got := HumanNumber(input); got != want {
			t.Errorf("HumanNumber(%d) = %q, want %q", input, got, want)
		}
	}
}

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		0:                 "0 B",
		1000:              "1000 B",
		1500:              "1.5 KB",
		151_000_000:       "151.0 MB",
		3_100_000_000:     "3.1 GB",
		2_000_000_000_001: "2.0 TB",
	}

	for input, want := range cases {
		if got := HumanBytes(input); got != want {
			t.Errorf("HumanBytes(%d) = %q, want %q", input, got, want)
		}
	}
}

func TestHumanDuration(t *testing.T) {
	cases := map[time.Duration]string{
		0:                         "0ms",
		850 * time.Millisecond:    "850ms",
		1234 * time.Millisecond:   "1.234s",
		123456 * time.Millisecond: "2m3.5s",
	}

	for input, want := range cases {
		if got := HumanDuration(input); got != want {
			t.Errorf("HumanDuration(%v) = %q, want %q", input, got, want)
		}
	}
}
