package blockmonitor

import (
	"sync"
	"time"

	"github.com/happychain/boop-submitter/metrics"
)

type LivenessConfig struct {
	// Window is the number of recent RPC results considered.
	Window int
	// Threshold is the share of failures in the window that marks the RPC down.
	Threshold float64
	// DownDelay is the minimum time the RPC stays down once marked.
	DownDelay time.Duration
	// SuccessCount is the number of consecutive successes needed to come back up.
	SuccessCount int
}

var DefaultLivenessConfig = LivenessConfig{
	Window:       20,
	Threshold:    0.5,
	DownDelay:    5 * time.Second,
	SuccessCount: 3,
}

// Liveness tracks whether the RPC endpoint is healthy enough to act on.
type Liveness struct {
	cfg LivenessConfig
	now func() time.Time

	mu        sync.Mutex
	results   []bool
	next      int
	filled    int
	down      bool
	downSince time.Time
	streak    int
}

func NewLiveness(cfg LivenessConfig) *Liveness {
	if cfg.Window <= 0 {
		cfg.Window = DefaultLivenessConfig.Window
	}
	return &Liveness{cfg: cfg, now: time.Now, results: make([]bool, cfg.Window)}
}

func (l *Liveness) TrackSuccess() {
	l.track(true)
}

func (l *Liveness) TrackError() {
	l.track(false)
}

func (l *Liveness) track(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.results[l.next] = ok
	l.next = (l.next + 1) % len(l.results)
	if l.filled < len(l.results) {
		l.filled++
	}
	if ok {
		l.streak++
	} else {
		l.streak = 0
	}

	if l.down {
		if l.streak >= l.cfg.SuccessCount && l.now().Sub(l.downSince) >= l.cfg.DownDelay {
			l.down = false
			l.clear()
		}
		return
	}
	if !ok && l.failureRatio() > l.cfg.Threshold {
		l.down = true
		l.downSince = l.now()
		metrics.IncRPCDown()
	}
}

func (l *Liveness) clear() {
	for i := range l.results {
		l.results[i] = false
	}
	l.next, l.filled = 0, 0
}

func (l *Liveness) failureRatio() float64 {
	if l.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < l.filled; i++ {
		if !l.results[i] {
			failures++
		}
	}
	return float64(failures) / float64(l.filled)
}

func (l *Liveness) IsAlive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.down
}
