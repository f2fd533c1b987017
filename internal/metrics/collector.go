package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Timing collects per-stage latencies of a single request. The result is
// rendered as a Server-Timing header value.
type Timing struct {
	mu     sync.Mutex
	start  time.Time
	stages []stage
	now    func() time.Time
}

type stage struct {
	name      string
	latencyMs float64
}

// NewTiming starts a collector. Stages are recorded in the order they end.
func NewTiming() *Timing {
	return &Timing{start: time.Now(), now: time.Now}
}

// Start begins timing stage name. The returned func ends it.
func (t *Timing) Start(name string) func() {
	begin := t.now()
	return func() {
		elapsed := t.now().Sub(begin)
		t.mu.Lock()
		defer t.mu.Unlock()
		t.stages = append(t.stages, stage{name: name, latencyMs: ms(elapsed)})
	}
}

// Stage returns the recorded latency of name in milliseconds.
func (t *Timing) Stage(name string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.stages {
		if s.name == name {
			return s.latencyMs, true
		}
	}
	return 0, false
}

// Header renders the stages followed by the total, e.g.
// "open;dur=1.25, total;dur=1.40".
func (t *Timing) Header() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	parts := make([]string, 0, len(t.stages)+1)
	for _, s := range t.stages {
		parts = append(parts, s.name+";dur="+formatMs(s.latencyMs))
	}
	parts = append(parts, "total;dur="+formatMs(ms(t.now().Sub(t.start))))
	return strings.Join(parts, ", ")
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

func formatMs(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
