package format

import (
	"fmt"
	"time"
)

// HumanDuration renders d for runtime statistics, e.g. 850ms, 1.234s or
// 2m3.5s
func HumanDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.3fs", d.Seconds())
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}
