package browser

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/chromedp/chromedp"
)

// Cause is the closed set of reasons a navigation attempt can fail.
type Cause int

// Navigation failure causes.
const (
	CauseTransport Cause = iota
	CauseConnectionReset
	CauseDNS
	CauseTLS
	CauseDeadlineExceeded
	CauseDriverCrash
	CauseChallenge
)

var causeNames = map[Cause]string{
	CauseTransport:        "transport",
	CauseConnectionReset:  "connection_reset",
	CauseDNS:              "dns",
	CauseTLS:              "tls",
	CauseDeadlineExceeded: "deadline_exceeded",
	CauseDriverCrash:      "driver_crash",
	CauseChallenge:        "challenge",
}

func (c Cause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cause(%d)", int(c))
}

// ParseCause resolves a configured cause name.
func ParseCause(name string) (Cause, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range causeNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown navigation failure cause %q", name)
}

// Counter is one of the three independently bounded retry budgets.
type Counter int

// Retry budgets.
const (
	CounterNetwork Counter = iota
	CounterTimeout
	CounterChallenge
	numCounters
)

func (c Counter) String() string {
	switch c {
	case CounterNetwork:
		return "network"
	case CounterTimeout:
		return "timeout"
	case CounterChallenge:
		return "challenge"
	default:
		return fmt.Sprintf("counter(%d)", int(c))
	}
}

// Counter returns the budget a failure of this cause is charged against.
func (c Cause) Counter() Counter {
	switch c {
	case CauseDeadlineExceeded:
		return CounterTimeout
	case CauseChallenge:
		return CounterChallenge
	default:
		return CounterNetwork
	}
}

// NavError is a navigation failure whose cause is already known.
type NavError struct {
	Cause Cause
	Err   error
}

func (e *NavError) Error() string {
	if e.Err == nil {
		return e.Cause.String()
	}
	return fmt.Sprintf("%s: %v", e.Cause, e.Err)
}

func (e *NavError) Unwrap() error { return e.Err }

// ErrAbandoned is matched by every *AbandonedError.
var ErrAbandoned = errors.New("navigation abandoned")

// AbandonedError reports a target given up on once a retry budget ran out.
type AbandonedError struct {
	URL       string
	LastCause Cause
	Attempts  [numCounters]int
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("navigation to %s abandoned after network=%d timeout=%d challenge=%d (last cause %s)",
		e.URL, e.Attempts[CounterNetwork], e.Attempts[CounterTimeout], e.Attempts[CounterChallenge], e.LastCause)
}

// Is lets errors.Is(err, ErrAbandoned) match.
func (e *AbandonedError) Is(target error) bool { return target == ErrAbandoned }

// ErrNotReady is returned when page content is requested before a successful navigation.
var ErrNotReady = errors.New("session has no loaded page")

// chromeNetErrors maps Chrome net::ERR_* codes to causes. Chrome reports these
// as text inside the page load error.
var chromeNetErrors = []struct {
	marker string
	cause  Cause
}{
	{"net::ERR_NAME_NOT_RESOLVED", CauseDNS},
	{"net::ERR_NAME_RESOLUTION_FAILED", CauseDNS},
	{"net::ERR_CERT_", CauseTLS},
	{"net::ERR_SSL_", CauseTLS},
	{"net::ERR_BAD_SSL_CLIENT_AUTH_CERT", CauseTLS},
	{"net::ERR_CONNECTION_RESET", CauseConnectionReset},
	{"net::ERR_CONNECTION_CLOSED", CauseConnectionReset},
	{"net::ERR_CONNECTION_REFUSED", CauseConnectionReset},
	{"net::ERR_CONNECTION_ABORTED", CauseConnectionReset},
	{"net::ERR_EMPTY_RESPONSE", CauseConnectionReset},
	{"net::ERR_TIMED_OUT", CauseDeadlineExceeded},
	{"net::ERR_CONNECTION_TIMED_OUT", CauseDeadlineExceeded},
}

// Classify maps a raw driver error onto the failure taxonomy. Errors that fit
// no specific cause are CauseTransport.
func Classify(err error) Cause {
	var nav *NavError
	if errors.As(err, &nav) {
		return nav.Cause
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseDeadlineExceeded
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CauseDNS
	}
	var (
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	if errors.As(err, &recordErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) || errors.As(err, &invalidErr) {
		return CauseTLS
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return CauseConnectionReset
	}
	if errors.Is(err, chromedp.ErrChannelClosed) || errors.Is(err, chromedp.ErrInvalidContext) ||
		errors.Is(err, chromedp.ErrInvalidTarget) {
		return CauseDriverCrash
	}

	if err != nil {
		msg := err.Error()
		for _, m := range chromeNetErrors {
			if strings.Contains(msg, m.marker) {
				return m.cause
			}
		}
	}
	return CauseTransport
}
