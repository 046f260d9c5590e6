package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("5s",
// "10m") in config files and environment variables.
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}
