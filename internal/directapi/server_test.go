package directapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"peertide/internal/queue"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *queue.Queue) {
	t.Helper()
	q := queue.New(queue.Config{MaxConcurrent: 2})
	return New(cfg, q), q
}

func doJSON(t *testing.T, handler http.Handler, method, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestHealthUnauthenticated(t *testing.T) {
	s, _ := newTestServer(t, Config{Enabled: true, APIKey: "secret"})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "ok" {
		t.Fatalf("health body = %v", got)
	}
}

func TestEncodeRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t, Config{Enabled: true, APIKey: "secret"})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/encode", "", `{"input_cid":"QmX"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/encode", "wrong", `{"input_cid":"QmX"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", rec.Code)
	}
}

func TestEncodeBearerToken(t *testing.T) {
	s, _ := newTestServer(t, Config{Enabled: true, APIKey: "secret"})
	req := httptest.NewRequest(http.MethodPost, "/encode", strings.NewReader(`{"input_cid":"QmX"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("bearer auth status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestEncodeAcceptsJob(t *testing.T) {
	s, q := newTestServer(t, Config{Enabled: true, APIKey: "secret"})
	body := `{"owner":"alice","permlink":"my-video","input_cid":"QmInput","short":true,"webhook_url":"http://cb.local/hook"}`
	rec := doJSON(t, s.Handler(), http.MethodPost, "/encode", "secret", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	id, _ := payload["jobId"].(string)
	if id == "" {
		t.Fatalf("missing jobId: %v", payload)
	}
	if payload["status"] != string(queue.StatusQueued) {
		t.Fatalf("status = %v", payload["status"])
	}

	job, ok := q.Get(id)
	if !ok {
		t.Fatalf("job %s not queued", id)
	}
	if job.InputURI != "ipfs://QmInput" {
		t.Fatalf("input uri = %q", job.InputURI)
	}
	if len(job.Profiles) != 1 || job.Profiles[0] != "480p" {
		t.Fatalf("short profiles = %v", job.Profiles)
	}
	if job.WebhookURL != "http://cb.local/hook" {
		t.Fatalf("webhook = %q", job.WebhookURL)
	}
}

func TestEncodeRequiresInput(t *testing.T) {
	s, _ := newTestServer(t, Config{Enabled: true})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/encode", "", `{"owner":"alice"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if msg, _ := decodeBody(t, rec)["error"].(string); !strings.Contains(msg, "input_cid or input_uri") {
		t.Fatalf("error = %q", msg)
	}
}

func TestEncodeRejectsUnknownFields(t *testing.T) {
	s, _ := newTestServer(t, Config{Enabled: true})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/encode", "", `{"input_cid":"QmX","bogus":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestJobLookup(t *testing.T) {
	s, q := newTestServer(t, Config{Enabled: true})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/job/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", rec.Code)
	}

	job := q.AddDirect(queue.DirectRequest{InputCID: "QmX"})
	rec = doJSON(t, h, http.MethodGet, "/job/"+job.ID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["jobId"] != job.ID || payload["status"] != string(queue.StatusQueued) {
		t.Fatalf("payload = %v", payload)
	}
}

func TestJobResultExposesVideoURL(t *testing.T) {
	s, q := newTestServer(t, Config{Enabled: true})
	job := q.AddDirect(queue.DirectRequest{InputCID: "QmX"})
	if _, ok := q.Next(); !ok {
		t.Fatal("Next returned nothing")
	}
	q.Complete(job.ID, queue.Result{CID: "QmDone"})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/job/"+job.ID, "", "")
	payload := decodeBody(t, rec)
	if payload["result_cid"] != "QmDone" {
		t.Fatalf("result_cid = %v", payload["result_cid"])
	}
	if payload["video_url"] != "ipfs://QmDone/manifest.m3u8" {
		t.Fatalf("video_url = %v", payload["video_url"])
	}
}

func TestJobsCounts(t *testing.T) {
	s, q := newTestServer(t, Config{Enabled: true})
	q.AddDirect(queue.DirectRequest{InputCID: "QmA"})
	q.AddDirect(queue.DirectRequest{InputCID: "QmB"})
	if _, ok := q.Next(); !ok {
		t.Fatal("Next returned nothing")
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/jobs", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["total"] != float64(2) || payload["pending"] != float64(1) || payload["active"] != float64(1) {
		t.Fatalf("counts = %v", payload)
	}
}

func TestDisabledReturns503(t *testing.T) {
	s, _ := newTestServer(t, Config{Enabled: false, APIKey: "secret"})
	h := s.Handler()

	for _, path := range []string{"/encode", "/jobs", "/job/abc"} {
		rec := doJSON(t, h, http.MethodGet, path, "secret", "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
		if decodeBody(t, rec)["status"] != "disabled" {
			t.Fatalf("%s body = %s", path, rec.Body.String())
		}
	}

	// Health still answers so orchestration can see the process is alive.
	rec := doJSON(t, h, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	s, _ := newTestServer(t, Config{Enabled: true, GlobalRPS: 0.001, GlobalBurst: 2})
	h := s.Handler()

	for i := 0; i < 2; i++ {
		if rec := doJSON(t, h, http.MethodGet, "/jobs", "", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := doJSON(t, h, http.MethodGet, "/jobs", "", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("exhausted status = %d", rec.Code)
	}
}

func TestMethodGuards(t *testing.T) {
	s, _ := newTestServer(t, Config{Enabled: true})
	h := s.Handler()
	cases := []struct{ method, path string }{
		{http.MethodGet, "/encode"},
		{http.MethodPost, "/jobs"},
		{http.MethodDelete, "/job/abc"},
	}
	for _, tc := range cases {
		if rec := doJSON(t, h, tc.method, tc.path, "", ""); rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s status = %d", tc.method, tc.path, rec.Code)
		}
	}
}
