package format

import (
	"fmt"
	"strconv"
)

type unit struct {
	scale  float64
	suffix string
}

// decimal units, largest first
var (
	numberUnits = []unit{{1e12, "T"}, {1e9, "B"}, {1e6, "M"}, {1e3, "K"}}
	byteUnits   = []unit{{1e12, " TB"}, {1e9, " GB"}, {1e6, " MB"}, {1e3, " KB"}}
)

// HumanNumber renders a parameter count with three significant figures,
// e.g. 39.0M or 1.55B.
func HumanNumber(n uint64) string {
	for _, u := range numberUnits {
		if v := float64(n); v >= u.scale {
			return significant(v/u.scale) + u.suffix
		}
	}

	return strconv.FormatUint(n, 10)
}

func significant(v float64) string {
	switch {
	case v >= 100:
		return strconv.FormatFloat(v, 'f', 0, 64)
	case v >= 10:
		return strconv.FormatFloat(v, 'f', 1, 64)
	default:
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
}

// HumanBytes renders a byte size with one decimal, e.g. 151.0 MB. Sizes up
// to and including 1000 stay in bytes.
func HumanBytes(b int64) string {
	for _, u := range byteUnits {
		if v := float64(b); v > u.scale {
			return fmt.Sprintf("%.1f%s", v/u.scale, u.suffix)
		}
	}

	return fmt.Sprintf("%d B", b)
}
