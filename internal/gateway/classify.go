package gateway

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind is the engine-facing classification of a gateway failure. The client
// never decides retryability; it only classifies, and the lifecycle engine
// maps kinds to actions.
type Kind int

const (
	// KindUnknown leaves the decision to the caller.
	KindUnknown Kind = iota
	// KindNoJob is the normal empty-poll outcome.
	KindNoJob
	// KindRaceLost means another worker owns the job.
	KindRaceLost
	// KindDuplicate means the gateway already recorded this completion.
	KindDuplicate
	// KindAmbiguous is an opaque 500 during claim that needs a forensic
	// status probe.
	KindAmbiguous
	// KindInfrastructure covers timeouts, refused connections, DNS failures,
	// and 5xx gateway errors other than the above.
	KindInfrastructure
	// KindStateConflict is a 4xx explaining an invalid state transition.
	KindStateConflict
)

func (k Kind) String() string {
	switch k {
	case KindNoJob:
		return "no_job"
	case KindRaceLost:
		return "race_lost"
	case KindDuplicate:
		return "duplicate"
	case KindAmbiguous:
		return "ambiguous"
	case KindInfrastructure:
		return "infrastructure"
	case KindStateConflict:
		return "state_conflict"
	default:
		return "unknown"
	}
}

// Error is the typed gateway failure carrying everything Classify needs.
// Body is capped by the client before it is retained.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Code       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus exposes the status code behind a small interface so packages
// that must not depend on this one (the queue's retry policy) can still see
// server-side failures.
func (e *Error) HTTPStatus() int {
	return e.StatusCode
}

// raceKeywords are the fragments the gateway uses in its error bodies when a
// job is held by someone else or in the wrong state. Matching them is fragile;
// an explicit Code field always wins when present.
var raceKeywords = []string{"already", "accepted", "not assigned", "invalid state"}

func bodyMatchesRace(body string) bool {
	lowered := strings.ToLower(body)
	for _, kw := range raceKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// Classify maps a gateway error to the enumerated kinds of the error
// taxonomy. The operation name distinguishes claim-time from finish-time
// semantics of the same wire responses.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var gerr *Error
	if !errors.As(err, &gerr) {
		if isNetworkError(err) {
			return KindInfrastructure
		}
		return KindUnknown
	}

	if gerr.StatusCode == 0 {
		if isNetworkError(gerr.Err) {
			return KindInfrastructure
		}
		return KindUnknown
	}

	switch code := strings.ToLower(strings.TrimSpace(gerr.Code)); code {
	case "":
	case "race_lost", "already_assigned", "not_assigned":
		return KindRaceLost
	case "duplicate", "already_complete":
		return KindDuplicate
	case "invalid_state":
		return KindStateConflict
	}

	switch {
	case gerr.StatusCode == 404 && gerr.Op == "poll":
		return KindNoJob
	case gerr.StatusCode >= 400 && gerr.StatusCode < 500:
		if bodyMatchesRace(gerr.Body) {
			if gerr.Op == "claim" {
				return KindRaceLost
			}
			return KindStateConflict
		}
		return KindStateConflict
	case gerr.StatusCode == 502 || gerr.StatusCode == 503 || gerr.StatusCode == 504:
		return KindInfrastructure
	case gerr.StatusCode >= 500:
		if bodyMatchesRace(gerr.Body) {
			if gerr.Op == "finish" {
				return KindDuplicate
			}
			return KindRaceLost
		}
		if gerr.Op == "claim" {
			return KindAmbiguous
		}
		return KindInfrastructure
	default:
		return KindUnknown
	}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Retryable reports whether the kind maps to a retry by default. RaceLost and
// state conflicts are terminal; ambiguous results require a forensic probe
// before the engine decides.
func Retryable(k Kind) bool {
	return k == KindInfrastructure
}
