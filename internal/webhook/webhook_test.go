package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(Config{EncoderID: "did:key:z6MkWorker", MaxAttempts: 3})
	d.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	d.retryInterval = time.Millisecond
	return d
}

func TestSendCompletionPayload(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t)
	err := d.SendCompletion(context.Background(), srv.URL, Completion{
		Owner:             "alice",
		Permlink:          "vid1",
		InputCID:          "QmIn",
		JobID:             "job-1",
		ManifestCID:       "QmOut",
		Qualities:         []string{"480p"},
		ProcessingSeconds: 42.5,
	})
	if err != nil {
		t.Fatalf("SendCompletion: %v", err)
	}
	if got.Owner != "alice" || got.Permlink != "vid1" || got.InputCID != "QmIn" {
		t.Fatalf("identity fields = %+v", got)
	}
	if got.Status != "complete" || got.ManifestCID != "QmOut" {
		t.Fatalf("result fields = %+v", got)
	}
	if got.VideoURL != "ipfs://QmOut/manifest.m3u8" {
		t.Fatalf("video url = %q", got.VideoURL)
	}
	if len(got.QualitiesEncoded) != 1 || got.QualitiesEncoded[0] != "480p" {
		t.Fatalf("qualities = %v", got.QualitiesEncoded)
	}
	if got.EncoderID != "did:key:z6MkWorker" {
		t.Fatalf("encoder id = %q", got.EncoderID)
	}
	if got.Timestamp != "2026-08-24T12:00:00Z" {
		t.Fatalf("timestamp = %q", got.Timestamp)
	}
	if got.Error != "" {
		t.Fatalf("completion carried error %q", got.Error)
	}
}

func TestSendFailurePayload(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	d := newTestDispatcher(t)
	err := d.SendFailure(context.Background(), srv.URL, Completion{
		Owner: "alice", Permlink: "vid1", JobID: "job-2",
	}, "all encoders failed")
	if err != nil {
		t.Fatalf("SendFailure: %v", err)
	}
	if got.Status != "failed" || got.Error != "all encoders failed" {
		t.Fatalf("payload = %+v", got)
	}
	if got.ManifestCID != "" || got.VideoURL != "" {
		t.Fatalf("failure carried result fields: %+v", got)
	}
}

func TestDeliveryRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t)
	if err := d.SendCompletion(context.Background(), srv.URL, Completion{JobID: "job-3", ManifestCID: "QmX"}); err != nil {
		t.Fatalf("SendCompletion after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDeliveryStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newTestDispatcher(t)
	err := d.SendCompletion(context.Background(), srv.URL, Completion{JobID: "job-4", ManifestCID: "QmX"})
	if err == nil {
		t.Fatal("4xx delivery reported success")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestDeliveryGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDispatcher(t)
	if err := d.SendCompletion(context.Background(), srv.URL, Completion{JobID: "job-5", ManifestCID: "QmX"}); err == nil {
		t.Fatal("persistent 500s reported success")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want MaxAttempts", calls.Load())
	}
}

func TestEmptyURLIsNoop(t *testing.T) {
	d := newTestDispatcher(t)
	if err := d.SendCompletion(context.Background(), "", Completion{JobID: "job-6"}); err != nil {
		t.Fatalf("empty url: %v", err)
	}
	if err := d.SendFailure(context.Background(), "", Completion{JobID: "job-6"}, "boom"); err != nil {
		t.Fatalf("empty url failure: %v", err)
	}
}
