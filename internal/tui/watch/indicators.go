package watch

import (
	"strings"
	"time"
)

// Ticker rotates on every UI tick. A frozen ticker means the TUI itself hung.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// Throughput counts resolved tasks in one-second buckets over a sliding window.
type Throughput struct {
	buckets []int
	head    time.Time
	last    time.Time
}

func NewThroughput(window int) Throughput {
	if window <= 0 {
		window = 30
	}
	return Throughput{buckets: make([]int, window)}
}

// Observe records one resolved task at t.
func (tp *Throughput) Observe(t time.Time) {
	tp.advance(t)
	tp.buckets[len(tp.buckets)-1]++
	tp.last = t
}

// Advance shifts the window so idle seconds show as zero.
func (tp *Throughput) Advance(now time.Time) {
	tp.advance(now)
}

func (tp *Throughput) advance(now time.Time) {
	sec := now.Truncate(time.Second)
	if tp.head.IsZero() {
		tp.head = sec
		return
	}
	shift := int(sec.Sub(tp.head) / time.Second)
	if shift <= 0 {
		return
	}
	if shift >= len(tp.buckets) {
		clear(tp.buckets)
	} else {
		copy(tp.buckets, tp.buckets[shift:])
		clear(tp.buckets[len(tp.buckets)-shift:])
	}
	tp.head = sec
}

// Rate is the mean tasks per second across the window.
func (tp Throughput) Rate() float64 {
	total := 0
	for _, n := range tp.buckets {
		total += n
	}
	return float64(total) / float64(len(tp.buckets))
}

func (tp Throughput) LastTask() time.Time {
	return tp.last
}

// Sparkline renders the window oldest-first, scaled to the busiest second.
func (tp Throughput) Sparkline() string {
	peak := 0
	for _, n := range tp.buckets {
		peak = max(peak, n)
	}
	var b strings.Builder
	for _, n := range tp.buckets {
		if peak == 0 || n == 0 {
			b.WriteRune(' ')
			continue
		}
		idx := (n*len(sparkBlocks) - 1) / peak
		b.WriteRune(sparkBlocks[idx])
	}
	return b.String()
}
