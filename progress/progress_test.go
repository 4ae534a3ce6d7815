package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticState string

func (s staticState) String() string { return string(s) }

func fixedTerm(t *testing.T, width, height int) {
	t.Helper()

	old := termSize
	termSize = func() (int, int) { return width, height }
	t.Cleanup(func() { termSize = old })
}

func TestProgressStop(t *testing.T) {
	fixedTerm(t, 80, 24)

	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Add(staticState("loading"))
	p.Add(staticState("sampling"))

	require.True(t, p.Stop())
	assert.False(t, p.Stop())

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\033[?25l"))
	assert.Contains(t, out, "loading\033[K\nsampling\033[K")
	assert.True(t, strings.HasSuffix(out, "\n\033[?25h"))
}

func TestProgressStopAndClear(t *testing.T) {
	fixedTerm(t, 80, 24)

	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Add(staticState("a"))
	p.Add(staticState("b"))

	require.True(t, p.StopAndClear())
	assert.True(t, strings.HasSuffix(buf.String(), "\033[A\033[2K\033[1G\033[?25h"))
}

func TestProgressHeight(t *testing.T) {
	fixedTerm(t, 80, 1)

	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Add(staticState("first"))
	p.Add(staticState("second"))
	p.Stop()

	assert.NotContains(t, buf.String(), "first")
	assert.Contains(t, buf.String(), "second")
}

func TestBar(t *testing.T) {
	fixedTerm(t, 40, 24)

	b := NewBar("sampling", 4)
	assert.Equal(t, "sampling   0% ▕"+strings.Repeat(" ", 20)+"▏ 0/4", b.String())

	b.Set(2, 0)
	s := b.String()
	assert.True(t, strings.HasPrefix(s, "sampling  50% ▕"), s)
	assert.Contains(t, s, " 2/4 [")

	b.Set(9, 0)
	assert.True(t, strings.HasSuffix(b.String(), "█▏ 4/4"))

	b.Set(1, 8)
	assert.Contains(t, b.String(), " 1/8")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "3s", formatDuration(2600*time.Millisecond))
	assert.Equal(t, "1h2m", formatDuration(62*time.Minute))
	assert.Equal(t, "99h+", formatDuration(120*time.Hour))
}

func TestSpinner(t *testing.T) {
	s := NewSpinner("loading model")
	frame := strings.TrimSuffix(strings.TrimPrefix(s.String(), "loading model "), " ")
	assert.Contains(t, s.parts, frame)

	s.Stop()
	s.Stop()
	assert.Equal(t, "loading model ", s.String())
}
