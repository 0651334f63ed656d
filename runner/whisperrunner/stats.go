package whisperrunner

import (
	"fmt"
	"strings"
	"time"
)

// Stats are the runtime statistics of one transcription. The first decoding
// step, which also fills the cross attention cache, is counted under
// Decode; every later step under Prefill.
type Stats struct {
	EncodeDuration time.Duration

	DecodeTokens   int
	DecodeDuration time.Duration

	PrefillTokens   int
	PrefillDuration time.Duration
}

func (s Stats) Tokens() int {
	return s.DecodeTokens + s.PrefillTokens
}

func (s Stats) Duration() time.Duration {
	return s.EncodeDuration + s.DecodeDuration + s.PrefillDuration
}

// TokensPerSecond is the decoding throughput including the encoder pass
func (s Stats) TokensPerSecond() float64 {
	if d := s.Duration().Seconds(); d > 0 {
		return float64(s.Tokens()) / d
	}

	return 0
}

func (s Stats) String() string {
	return fmt.Sprintf("Decode & Prefill: %.1f tok/s", s.TokensPerSecond())
}

func (s Stats) Verbose() string {
	var sb strings.Builder
	fmt.Fprintln(&sb, "------------ decode & prefill  ------------")
	fmt.Fprintf(&sb, "throughput: %.3f tok/s\n", s.TokensPerSecond())
	fmt.Fprintf(&sb, "total tokens: %d tok\n", s.Tokens())
	fmt.Fprintf(&sb, "total time: %.3f s\n", s.Duration().Seconds())
	fmt.Fprintf(&sb, "encode time: %.3f s\n", s.EncodeDuration.Seconds())
	return sb.String()
}
