package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Labeler is implemented by errors that name their own breakdown label.
type Labeler interface {
	ErrorLabel() string
}

// ErrorLabel names the failure of res for the error breakdown. Calls that
// got a non-2xx response are keyed by status code, transport failures by
// their cause.
func ErrorLabel(res CallResult) string {
	if res.StatusCode != 0 && (res.StatusCode < 200 || res.StatusCode > 299) {
		return fmt.Sprintf("HTTP %d", res.StatusCode)
	}
	err := res.Err
	if err == nil {
		return "Unknown error"
	}

	var (
		labeler   Labeler
		dnsErr    *net.DNSError
		netErr    net.Error
		opErr     *net.OpError
		syntaxErr *json.SyntaxError
	)
	switch {
	case errors.As(err, &labeler):
		return labeler.ErrorLabel()
	case errors.Is(err, context.Canceled):
		return "Context canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "Context deadline exceeded"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "Connection refused"
	case errors.Is(err, syscall.ECONNRESET):
		return "Connection reset"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "Connection closed"
	case errors.As(err, &dnsErr):
		return "DNS error"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "Network timeout"
	case errors.As(err, &opErr):
		return "Network error"
	case errors.As(err, &syntaxErr):
		return "Malformed response"
	}
	return "Request error"
}
