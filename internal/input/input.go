// Package input reads argument values given literally, from stdin (-) or
// from a file (@path).
package input

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrStdinUsed is returned when more than one value asks for stdin.
var ErrStdinUsed = errors.New("stdin already used")

// Reader expands argument values. The zero value reads os.Stdin.
type Reader struct {
	Stdin     io.Reader
	stdinUsed bool
}

// Value returns v itself, the contents of stdin for "-", or the contents
// of path for "@path". Surrounding whitespace is trimmed from read values.
func (r *Reader) Value(v string) (string, error) {
	switch {
	case v == "-":
		if r.stdinUsed {
			return "", ErrStdinUsed
		}
		r.stdinUsed = true
		in := r.Stdin
		if in == nil {
			in = os.Stdin
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	case strings.HasPrefix(v, "@") && len(v) > 1:
		data, err := os.ReadFile(v[1:])
		if err != nil {
			return "", fmt.Errorf("read %s: %w", v[1:], err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return v, nil
	}
}
