package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type stubSigner struct{}

func (stubSigner) DID() string { return "did:key:zTest" }

func (stubSigner) Sign(payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	return "hdr." + encoded + ".sig", nil
}

func decodeEnvelope(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var wrapper struct {
		JWS string `json:"jws"`
	}
	if err := json.NewDecoder(r.Body).Decode(&wrapper); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	parts := strings.Split(wrapper.JWS, ".")
	if len(parts) != 3 {
		t.Fatalf("expected compact JWS, got %q", wrapper.JWS)
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return payload
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{BaseURL: server.URL}, stubSigner{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestPollReturnsNilOn404(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no jobs", http.StatusNotFound)
	}))
	job, err := client.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
}

func TestPollDecodesJob(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v0/gateway/getJob" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "job-1",
			"assigned_to": "",
			"status":      "queued",
			"input":       map[string]any{"uri": "ipfs://QmIn", "size": 1024},
			"metadata":    map[string]any{"video_owner": "alice", "video_permlink": "vid1"},
		})
	}))
	job, err := client.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if job == nil || job.ID != "job-1" || job.Input.URI != "ipfs://QmIn" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Metadata.VideoOwner != "alice" {
		t.Fatalf("metadata not decoded: %+v", job.Metadata)
	}
}

func TestClaimSendsSignedEnvelope(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v0/gateway/acceptJob" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		got = decodeEnvelope(t, r)
		w.WriteHeader(http.StatusOK)
	}))
	if err := client.Claim(context.Background(), "job-9"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got["job_id"] != "job-9" {
		t.Fatalf("claim payload = %v", got)
	}
}

func TestClaimRaceLostClassification(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Job already assigned", http.StatusConflict)
	}))
	err := client.Claim(context.Background(), "job-9")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := Classify(err); kind != KindRaceLost {
		t.Fatalf("Classify = %v, want race_lost", kind)
	}
}

func TestClaim500IsAmbiguous(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	err := client.Claim(context.Background(), "job-9")
	if kind := Classify(err); kind != KindAmbiguous {
		t.Fatalf("Classify = %v, want ambiguous", kind)
	}
}

func TestFinishSynthesizesDuplicate(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "job already accepted and completed", http.StatusInternalServerError)
	}))
	result, err := client.Finish(context.Background(), "job-1", "QmOut", "ipfs://QmOut/manifest.m3u8")
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !result.Duplicate {
		t.Fatal("expected duplicate synthesis")
	}
}

func TestFinishPrefersExplicitCode(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "conflict detected", "code": "duplicate"})
	}))
	result, err := client.Finish(context.Background(), "job-1", "QmOut", "")
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !result.Duplicate {
		t.Fatal("expected duplicate from explicit code")
	}
}

func TestFinishInfrastructureError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	_, err := client.Finish(context.Background(), "job-1", "QmOut", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := Classify(err); kind != KindInfrastructure {
		t.Fatalf("Classify = %v, want infrastructure", kind)
	}
}

func TestLargeErrorBodyTruncated(t *testing.T) {
	big := strings.Repeat("x", 64*1024)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, big, http.StatusBadGateway)
	}))
	err := client.Claim(context.Background(), "job-1")
	var gerr *Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if gerr.Body != truncatedBodyPlaceholder {
		t.Fatalf("body not truncated, %d bytes retained", len(gerr.Body))
	}
}

func TestStatusReadsOwnership(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v0/gateway/jobstatus/job-5" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(JobStatus{AssignedTo: "did:key:zOther", Status: "assigned"})
	}))
	status, err := client.Status(context.Background(), "job-5")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.AssignedTo != "did:key:zOther" || status.Status != "assigned" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestAvailableJobsToleratesMissingEndpoint(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	jobs, err := client.AvailableJobs(context.Background())
	if err != nil {
		t.Fatalf("AvailableJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected empty list, got %d", len(jobs))
	}
}

func TestProbeGivesUpAfterDeadline(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://127.0.0.1:1", PostTimeout: time.Second}, stubSigner{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	start := time.Now()
	if err := client.Probe(context.Background(), 2*time.Second); err == nil {
		t.Fatal("expected probe failure against closed port")
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Fatalf("probe did not respect max elapsed time, took %s", elapsed)
	}
}

func TestPingPayloadShape(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = decodeEnvelope(t, r)
		w.WriteHeader(http.StatusOK)
	}))
	if err := client.Ping(context.Background(), "job-1", Progress{ProgressPct: 1.0, DownloadPct: 100}); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	status, ok := got["status"].(map[string]any)
	if !ok {
		t.Fatalf("ping payload missing status: %v", got)
	}
	if status["progressPct"] != 1.0 || status["download_pct"] != 100.0 {
		t.Fatalf("unexpected progress payload %v", status)
	}
}
