package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var ErrInvalidDuration = errors.New("invalid duration")

var durationUnits = map[byte]time.Duration{
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
	'u': time.Millisecond,
}

// ParseDuration parses the ngsw-config duration syntax, a sequence of
// integer/unit pairs such as "1d2h30m" or "500u" (u is milliseconds).
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidDuration)
	}
	var total time.Duration
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			continue
		}
		unit, ok := durationUnits[c]
		if !ok || i == start {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		n, err := strconv.ParseInt(s[start:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		total += time.Duration(n) * unit
		start = i + 1
	}
	if start != len(s) {
		return 0, fmt.Errorf("%w: %q has no unit", ErrInvalidDuration, s)
	}
	return total, nil
}

// Millis is a duration that appears in ngsw.json as integer milliseconds.
// Hand-written manifests may use the duration string syntax instead.
type Millis time.Duration

func (m Millis) Duration() time.Duration { return time.Duration(m) }

func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(m).Milliseconds())
}

func (m *Millis) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*m = Millis(time.Duration(n) * time.Millisecond)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDuration, b)
	}
	d, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*m = Millis(d)
	return nil
}
