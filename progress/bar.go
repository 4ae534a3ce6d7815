package progress

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Bar tracks a fixed number of steps, such as denoising iterations.
type Bar struct {
	message string

	mu      sync.Mutex
	current int
	total   int

	started time.Time
	updated time.Time
}

func NewBar(message string, total int) *Bar {
	now := time.Now()
	return &Bar{message: message, total: total, started: now, updated: now}
}

// Set records that step of total steps has completed. A total of zero
// keeps the previous total.
func (b *Bar) Set(step, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if total > 0 {
		b.total = total
	}
	b.current = min(step, b.total)
	b.updated = time.Now()
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

func (b *Bar) percent() float64 {
	if b.total <= 0 {
		return 0
	}
	return float64(b.current) / float64(b.total) * 100
}

func (b *Bar) String() string {
	termWidth, _ := termSize()

	b.mu.Lock()
	defer b.mu.Unlock()

	var pre, mid, suf strings.Builder
	if message := strings.TrimSpace(b.message); message != "" {
		fmt.Fprintf(&pre, "%s ", message)
	}

	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(b.percent()))
	fmt.Fprintf(&suf, " %d/%d", b.current, b.total)

	if b.current > 0 && b.current < b.total {
		elapsed := b.updated.Sub(b.started)
		perStep := elapsed / time.Duration(b.current)
		remaining := perStep * time.Duration(b.total-b.current)
		fmt.Fprintf(&suf, " [%s:%s]", formatDuration(time.Since(b.started)), formatDuration(remaining))
	}

	// 2 boundary characters
	f := termWidth - pre.Len() - suf.Len() - 2
	if f > 0 {
		n := int(float64(f) * b.percent() / 100)
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		mid.WriteString(strings.Repeat(" ", f-n))
		mid.WriteString("▏")
	}

	return pre.String() + mid.String() + suf.String()
}
