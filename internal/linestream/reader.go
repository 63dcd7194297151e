// Package linestream turns a subprocess output channel into a sequence of
// text lines as bytes arrive.
package linestream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"unicode/utf8"
)

// DefaultMaxLineBytes bounds a single line. Longer lines are discarded up to
// their newline and reported as ErrLineTooLong.
const DefaultMaxLineBytes = 4 << 20

var (
	ErrInvalidUTF8 = errors.New("line is not valid UTF-8")
	ErrLineTooLong = errors.New("line exceeds maximum length")
)

// LineError reports a single unusable line. The stream continues after it.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *LineError) Unwrap() error { return e.Err }

// IsLineError reports whether err only affects one line.
func IsLineError(err error) bool {
	var le *LineError
	return errors.As(err, &le)
}

// Reader splits its input on '\n'. A final line without a terminating newline
// is returned when non-empty.
type Reader struct {
	br      *bufio.Reader
	max     int
	buf     []byte
	line    int
	stopped bool
}

// Option configures a Reader.
type Option func(*Reader)

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.max = n
		}
	}
}

// NewReader wraps r.
func NewReader(r io.Reader, opts ...Option) *Reader {
	lr := &Reader{br: bufio.NewReader(r), max: DefaultMaxLineBytes}
	for _, opt := range opts {
		opt(lr)
	}
	return lr
}

// Next returns the next line with its newline (and a preceding '\r') removed.
// It returns io.EOF once the input is exhausted, a *LineError for a line that
// was skipped, and any other read error as is. After io.EOF or a read error
// every further call returns io.EOF.
func (r *Reader) Next() (string, error) {
	if r.stopped {
		return "", io.EOF
	}
	r.buf = r.buf[:0]
	overflow := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !overflow {
			if len(r.buf)+len(chunk) > r.max+2 {
				overflow = true
				r.buf = r.buf[:0]
			} else {
				r.buf = append(r.buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.stopped = true
				return "", err
			}
			if overflow {
				r.line++
				return "", &LineError{Line: r.line, Err: ErrLineTooLong}
			}
			if len(r.buf) == 0 {
				r.stopped = true
				return "", io.EOF
			}
			// Trailing bytes with no newline.
			r.line++
			return r.decode()
		}
		r.line++
		if overflow {
			return "", &LineError{Line: r.line, Err: ErrLineTooLong}
		}
		return r.decode()
	}
}

func (r *Reader) decode() (string, error) {
	b := bytes.TrimSuffix(r.buf, []byte{'\n'})
	b = bytes.TrimSuffix(b, []byte{'\r'})
	if len(b) > r.max {
		return "", &LineError{Line: r.line, Err: ErrLineTooLong}
	}
	if !utf8.Valid(b) {
		return "", &LineError{Line: r.line, Err: ErrInvalidUTF8}
	}
	return string(b), nil
}

// All yields every line. Line errors are yielded with an empty line and
// iteration continues; a read error is yielded once and ends the sequence.
// Breaking out of the loop stops reading.
func (r *Reader) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			line, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(line, err) {
				return
			}
			if err != nil && !IsLineError(err) {
				return
			}
		}
	}
}

// Lines is shorthand for NewReader(r, opts...).All().
func Lines(r io.Reader, opts ...Option) iter.Seq2[string, error] {
	return NewReader(r, opts...).All()
}
