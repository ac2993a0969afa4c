package output

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torosent/chatload/internal/metrics"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressReporterCountsResults(t *testing.T) {
	var buf lockedBuffer
	reporter := NewProgressReporter(&buf, 5, time.Hour, nil)
	reporter.Start()

	for i := 0; i < 3; i++ {
		reporter.ObserveResult(metrics.CallResult{})
	}
	reporter.Stop()

	if !strings.Contains(buf.String(), "3/5") {
		t.Errorf("expected 3/5 in progress output, got %q", buf.String())
	}
}

func TestProgressReporterDescribesSnapshot(t *testing.T) {
	var buf lockedBuffer
	var calls atomic.Int32
	described := make(chan struct{})
	reporter := NewProgressReporter(&buf, 0, 10*time.Millisecond, func() metrics.Summary {
		// The second snapshot implies the first description was applied.
		if calls.Add(1) == 2 {
			close(described)
		}
		return metrics.Summary{RPM: 42, Throttled: 7}
	})
	reporter.Start()

	select {
	case <-described:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot never taken")
	}
	reporter.ObserveResult(metrics.CallResult{})
	reporter.Stop()

	if !strings.Contains(buf.String(), "rpm 42") || !strings.Contains(buf.String(), "throttled 7") {
		t.Errorf("description not rendered: %q", buf.String())
	}
}

func TestProgressReporterStopIsIdempotent(t *testing.T) {
	reporter := NewProgressReporter(nil, 1, time.Hour, nil)
	reporter.Stop()
	reporter.Start()
	reporter.Stop()
	reporter.Stop()
}
