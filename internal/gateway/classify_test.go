package gateway

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"poll 404", &Error{Op: "poll", StatusCode: 404, Body: "no jobs"}, KindNoJob},
		{"claim 409 already", &Error{Op: "claim", StatusCode: 409, Body: "Job already assigned"}, KindRaceLost},
		{"claim 400 not assigned", &Error{Op: "claim", StatusCode: 400, Body: "job not assigned to you"}, KindRaceLost},
		{"finish 400 invalid state", &Error{Op: "finish", StatusCode: 400, Body: "invalid state transition"}, KindStateConflict},
		{"finish 500 accepted", &Error{Op: "finish", StatusCode: 500, Body: "already accepted"}, KindDuplicate},
		{"claim 500 opaque", &Error{Op: "claim", StatusCode: 500, Body: "boom"}, KindAmbiguous},
		{"finish 500 opaque", &Error{Op: "finish", StatusCode: 500, Body: "boom"}, KindInfrastructure},
		{"502", &Error{Op: "finish", StatusCode: 502, Body: "bad gateway"}, KindInfrastructure},
		{"503", &Error{Op: "claim", StatusCode: 503, Body: "unavailable"}, KindInfrastructure},
		{"504", &Error{Op: "ping", StatusCode: 504, Body: "timeout"}, KindInfrastructure},
		{"explicit code wins", &Error{Op: "claim", StatusCode: 500, Code: "race_lost", Body: "weird"}, KindRaceLost},
		{"explicit duplicate code", &Error{Op: "finish", StatusCode: 500, Code: "duplicate"}, KindDuplicate},
		{"timeout", &Error{Op: "poll", Err: timeoutError{}}, KindInfrastructure},
		{"refused", &Error{Op: "poll", Err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED)}, KindInfrastructure},
		{"dns", &Error{Op: "poll", Err: &net.DNSError{Err: "no such host", Name: "gateway"}}, KindInfrastructure},
		{"plain error", errors.New("something else"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(KindInfrastructure) {
		t.Fatal("infrastructure failures are retryable")
	}
	for _, k := range []Kind{KindRaceLost, KindDuplicate, KindStateConflict, KindAmbiguous, KindUnknown} {
		if Retryable(k) {
			t.Fatalf("%v must not be retryable by default", k)
		}
	}
}
