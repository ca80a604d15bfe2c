package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration — time.Duration с гибким JSON-представлением.
//
// Принимает:
//   - строку Go ("90s", "1h30m")
//   - строку "hh:mm:ss" или "d.hh:mm:ss" (формат scheduler'а)
//   - число — миллисекунды
//
// Кодируется всегда строкой Go.
type Duration time.Duration

// Std возвращает time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON реализует json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON реализует json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms float64
	if err := json.Unmarshal(data, &ms); err == nil {
		*d = Duration(time.Duration(ms * float64(time.Millisecond)))
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}

	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ParseDuration разбирает строку Go-формата или "[d.]hh:mm:ss[.fff]".
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}

	if !strings.Contains(s, ":") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		return d, nil
	}

	var days int
	if dot := strings.Index(s, "."); dot >= 0 && dot < strings.Index(s, ":") {
		n, err := strconv.Atoi(s[:dot])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		days = n
		s = s[dot+1:]
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration %q: expected hh:mm:ss", raw)
	}

	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	total := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))

	if total < 0 {
		return 0, fmt.Errorf("invalid duration %q: must be >= 0", raw)
	}
	return total, nil
}
