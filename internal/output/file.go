package output

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"

	"github.com/torosent/chatload/internal/metrics"
)

// FileSink appends summary lines to a file. Each line is written under an
// exclusive advisory lock so concurrent chatload runs can share one file.
type FileSink struct {
	path   string
	file   *os.File
	lock   *flock.Flock
	format string
}

// OpenFileSink opens path for appending, creating it if needed.
func OpenFileSink(path, format string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	if format != FormatJSONL {
		format = FormatHuman
	}
	return &FileSink{
		path:   path,
		file:   f,
		lock:   flock.New(path + ".lock"),
		format: format,
	}, nil
}

func (s *FileSink) WriteSummary(sum metrics.Summary) error {
	line, err := FormatLine(sum, s.format)
	if err != nil {
		return err
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	_, werr := s.file.WriteString(line)
	if err := s.lock.Unlock(); err != nil && werr == nil {
		werr = fmt.Errorf("unlock %s: %w", s.path, err)
	}
	return werr
}

// Close closes the file. The lock file is left in place for other writers.
func (s *FileSink) Close() error {
	return s.file.Close()
}
