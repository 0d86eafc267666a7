package raster

import (
	"errors"
	"fmt"
	"strings"
)

// Resampling selects the kernel used when sampling pixels.
type Resampling int

const (
	Nearest Resampling = iota
	Bilinear
	Cubic
	Average
)

// ErrUnknownResampling is returned by ParseResampling.
var ErrUnknownResampling = errors.New("unknown resampling method")

func (r Resampling) String() string {
	switch r {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	case Cubic:
		return "cubic"
	case Average:
		return "average"
	}
	return fmt.Sprintf("Resampling(%d)", int(r))
}

// ParseResampling maps a method name onto the enumeration. "linear" is
// accepted as an alias of bilinear.
func ParseResampling(name string) (Resampling, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "nearest":
		return Nearest, nil
	case "linear", "bilinear":
		return Bilinear, nil
	case "cubic":
		return Cubic, nil
	case "average":
		return Average, nil
	}
	return Nearest, fmt.Errorf("%w %q", ErrUnknownResampling, name)
}

// MarshalText implements encoding.TextMarshaler.
func (r Resampling) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Resampling) UnmarshalText(b []byte) error {
	v, err := ParseResampling(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
