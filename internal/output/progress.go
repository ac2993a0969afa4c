package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/torosent/chatload/internal/metrics"
)

// ProgressReporter draws a progress bar of completed calls and refreshes its
// description from a live window snapshot. It is a metrics.ResultObserver.
type ProgressReporter struct {
	bar      *progressbar.ProgressBar
	snapshot func() metrics.Summary
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	active   int32
}

// NewProgressReporter creates a reporter for total calls (0 means unknown,
// which renders a spinner) that refreshes its description every interval.
func NewProgressReporter(w io.Writer, total int, interval time.Duration, snapshot func() metrics.Summary) *ProgressReporter {
	if w == nil {
		w = io.Discard
	}
	limit := int64(total)
	if total <= 0 {
		limit = -1
	}
	bar := progressbar.NewOptions64(limit,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("requests"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("req"),
		progressbar.OptionSetPredictTime(total > 0),
	)
	return &ProgressReporter{
		bar:      bar,
		snapshot: snapshot,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// ObserveResult advances the bar by one completed call.
func (p *ProgressReporter) ObserveResult(metrics.CallResult) {
	_ = p.bar.Add(1)
}

// Start begins refreshing the description in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts description updates and completes the bar.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
	_ = p.bar.Finish()
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			if p.snapshot == nil {
				continue
			}
			p.bar.Describe(describe(p.snapshot()))
		case <-p.done:
			return
		}
	}
}

func describe(s metrics.Summary) string {
	return fmt.Sprintf("rpm %.0f | in flight %d | failures %d | throttled %d | e2e p95 %s",
		s.RPM, s.InFlight, s.Failures, s.Throttled, ms(s.E2EP95Ms))
}
