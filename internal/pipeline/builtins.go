package pipeline

import (
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecurityFilter redacts every match of any supplied regex with
// "[REDACTED]". Despite the name it is registered as a Processor, not a
// Filter: it transforms bytes rather than accepting/rejecting the event.
func SecurityFilter(patterns []*regexp.Regexp) Processor {
	return Processor{
		Name:     "securityFilter",
		Priority: 10,
		Fn: func(ev Event) (*Event, error) {
			out := ev.ProcessedData
			for _, re := range patterns {
				out = re.ReplaceAll(out, []byte("[REDACTED]"))
			}
			next := ev
			next.ProcessedData = out
			return &next, nil
		},
	}
}

var cardPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b4[0-9]{12}(?:[0-9]{3})?\b`),             // Visa
	regexp.MustCompile(`\b5[1-5][0-9]{14}\b`),                     // Mastercard
	regexp.MustCompile(`\b3[47][0-9]{13}\b`),                      // Amex
	regexp.MustCompile(`\b6(?:011|5[0-9]{2})[0-9]{12}\b`),         // Discover
}

// CreditCardRedactor redacts Visa/Mastercard/Amex/Discover-shaped PANs.
func CreditCardRedactor() Processor {
	return Processor{
		Name:     "creditCardRedactor",
		Priority: 11,
		Fn: func(ev Event) (*Event, error) {
			out := ev.ProcessedData
			for _, re := range cardPatterns {
				out = re.ReplaceAll(out, []byte("[REDACTED]"))
			}
			next := ev
			next.ProcessedData = out
			return &next, nil
		},
	}
}

// RateLimiter drops chunks once a session exceeds maxBytesPerSecond,
// using a per-session token bucket that refills continuously at
// maxBytesPerSecond and holds at most one second's worth of bytes. A
// single chunk larger than maxBytesPerSecond is always dropped.
func RateLimiter(maxBytesPerSecond int) Processor {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	limiterFor := func(sessionID string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[sessionID]
		if !ok {
			l = rate.NewLimiter(rate.Limit(maxBytesPerSecond), maxBytesPerSecond)
			limiters[sessionID] = l
		}
		return l
	}

	return Processor{
		Name:     "rateLimiter",
		Priority: 40,
		Fn: func(ev Event) (*Event, error) {
			l := limiterFor(ev.SessionID)
			if !l.AllowN(time.Now(), len(ev.ProcessedData)) {
				return nil, nil
			}
			return &ev, nil
		},
	}
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// AnsiStripper removes CSI escape sequences from the data stream.
func AnsiStripper() Processor {
	return Processor{
		Name:     "ansiStripper",
		Priority: 45,
		Fn: func(ev Event) (*Event, error) {
			next := ev
			next.ProcessedData = ansiEscape.ReplaceAll(ev.ProcessedData, nil)
			return &next, nil
		},
	}
}

var crlfOrCR = regexp.MustCompile(`\r\n|\r`)

// LineEndingNormalizer rewrites CRLF and bare CR to LF.
func LineEndingNormalizer() Processor {
	return Processor{
		Name:     "lineEndingNormalizer",
		Priority: 46,
		Fn: func(ev Event) (*Event, error) {
			next := ev
			next.ProcessedData = crlfOrCR.ReplaceAll(ev.ProcessedData, []byte("\n"))
			return &next, nil
		},
	}
}

// NoBinary rejects chunks containing control bytes other than tab,
// newline, carriage return, and ESC (the minimum needed to pass through
// ordinary terminal output).
func NoBinary() Filter {
	return Filter{
		Name: "noBinary",
		Fn: func(ev Event) bool {
			for _, b := range ev.ProcessedData {
				if b < 0x20 && b != '\t' && b != '\n' && b != '\r' && b != 0x1b {
					return false
				}
			}
			return true
		},
	}
}

// SessionAllowlist only passes events whose session id is in allowed.
func SessionAllowlist(allowed map[string]bool) Filter {
	return Filter{
		Name: "sessionAllowlist",
		Fn: func(ev Event) bool {
			return allowed[ev.SessionID]
		},
	}
}

// MaxDataSize rejects chunks larger than maxBytes.
func MaxDataSize(maxBytes int) Filter {
	return Filter{
		Name: "maxDataSize",
		Fn: func(ev Event) bool {
			return len(ev.ProcessedData) <= maxBytes
		},
	}
}

// SourceFilter only passes events whose metadata.source is in allowed.
func SourceFilter(allowed map[string]bool) Filter {
	return Filter{
		Name: "sourceFilter",
		Fn: func(ev Event) bool {
			src, _ := ev.Metadata["source"].(string)
			return allowed[src]
		},
	}
}
