package linestream

import (
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, r io.Reader, opts ...Option) ([]string, []error) {
	t.Helper()
	var lines []string
	var errs []error
	for line, err := range Lines(r, opts...) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lines = append(lines, line)
	}
	return lines, errs
}

func TestLinesStripsNewlines(t *testing.T) {
	t.Parallel()
	lines, errs := collect(t, strings.NewReader("a\nb\r\n\nc\n"))
	assert.Empty(t, errs)
	assert.Equal(t, []string{"a", "b", "", "c"}, lines)
}

func TestTrailingPartialLine(t *testing.T) {
	t.Parallel()
	lines, errs := collect(t, strings.NewReader("a\nb"))
	assert.Empty(t, errs)
	assert.Equal(t, []string{"a", "b"}, lines)

	lines, _ = collect(t, strings.NewReader(""))
	assert.Empty(t, lines)
}

func TestChunkBoundaryIndependence(t *testing.T) {
	t.Parallel()
	want := []string{"first", `{"partial_text":"Simulated agent reply","done":false}`, "", "ünïcödé line", "last"}
	payload := strings.Join(want, "\n") + "\n"

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 25; round++ {
		pr, pw := io.Pipe()
		go func() {
			rest := []byte(payload)
			for len(rest) > 0 {
				n := 1 + rng.Intn(len(rest))
				if n > 9 {
					n = 9
				}
				if _, err := pw.Write(rest[:n]); err != nil {
					return
				}
				rest = rest[n:]
			}
			_ = pw.Close()
		}()
		lines, errs := collect(t, pr)
		require.Empty(t, errs)
		require.Equal(t, want, lines, "round %d", round)
	}
}

func TestOneByteReads(t *testing.T) {
	t.Parallel()
	lines, errs := collect(t, iotest.OneByteReader(strings.NewReader("x\ny\nz")))
	assert.Empty(t, errs)
	assert.Equal(t, []string{"x", "y", "z"}, lines)
}

func TestInvalidUTF8IsNotFatal(t *testing.T) {
	t.Parallel()
	lines, errs := collect(t, strings.NewReader("ok\n\xff\xfe\nstill ok\n"))
	assert.Equal(t, []string{"ok", "still ok"}, lines)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvalidUTF8)
	var le *LineError
	require.ErrorAs(t, errs[0], &le)
	assert.Equal(t, 2, le.Line)
}

func TestLineTooLong(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 64)
	lines, errs := collect(t, strings.NewReader("a\n"+long+"\nb\n"+long), WithMaxLineBytes(16))
	assert.Equal(t, []string{"a", "b"}, lines)
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrLineTooLong)
	}
}

func TestReadErrorEndsStream(t *testing.T) {
	t.Parallel()
	boom := errors.New("pipe broke")
	r := io.MultiReader(strings.NewReader("a\nb\npart"), iotest.ErrReader(boom))
	lines, errs := collect(t, r)
	assert.Equal(t, []string{"a", "b"}, lines)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	assert.False(t, IsLineError(errs[0]))
}

func TestBreakStopsReading(t *testing.T) {
	t.Parallel()
	r := NewReader(strings.NewReader("1\n2\n3\n"))
	var got []string
	for line, err := range r.All() {
		require.NoError(t, err)
		got = append(got, line)
		if line == "2" {
			break
		}
	}
	assert.Equal(t, []string{"1", "2"}, got)
	line, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "3", line)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}
