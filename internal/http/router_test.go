package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hark/internal/audio"
	"hark/internal/domain"
	"hark/internal/event"
	"hark/internal/http/handlers"
	"hark/internal/provider"
	"hark/internal/repository"
	"hark/internal/service"
	"hark/internal/storage"
)

type stubProber struct{}

func (stubProber) Probe(context.Context, string) (audio.Metadata, error) {
	return audio.Metadata{DurationSeconds: 1.5, Channels: 1, SampleRate: 16000, Format: "wav"}, nil
}

type stubAdapter struct{ kind domain.ProviderKind }

func (s *stubAdapter) Kind() domain.ProviderKind { return s.kind }

func (s *stubAdapter) Transcribe(context.Context, provider.TranscribeRequest) (domain.Result, error) {
	return domain.Result{}, errors.New("not used")
}

func (s *stubAdapter) Summarize(context.Context, provider.SummarizeRequest) (domain.Result, error) {
	return domain.Result{}, errors.New("not used")
}

func (s *stubAdapter) Health(context.Context) error { return nil }

type serverFixture struct {
	ts     *httptest.Server
	events *event.Broadcaster
}

func newServerFixture(t *testing.T, token string, rps float64, burst int) *serverFixture {
	t.Helper()
	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := storage.NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("open blob dir: %v", err)
	}

	events := event.NewBroadcaster(zerolog.Nop())
	t.Cleanup(events.Close)

	svc := service.NewUploadService(service.UploadDependencies{
		Store:          store,
		Blobs:          blobs,
		Prober:         stubProber{},
		Events:         events,
		MaxUploadBytes: 1 << 20,
		Logger:         zerolog.Nop(),
	})

	api := handlers.NewAPI(svc, provider.NewRegistry(&stubAdapter{kind: domain.ProviderLocal}), events, nil, handlers.APIConfig{
		MaxUploadBytes: 1 << 20,
		AutoSummarize:  true,
	})

	ts := httptest.NewServer(NewRouter(RouterDependencies{
		API:            api,
		Logger:         zerolog.Nop(),
		AuthToken:      token,
		CORSOrigins:    []string{"*"},
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
	}))
	t.Cleanup(ts.Close)

	return &serverFixture{ts: ts, events: events}
}

func (f *serverFixture) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (f *serverFixture) postUpload(t *testing.T, token, filename string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("RIFF fake audio")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/v1/uploads", &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST /v1/uploads: %v", err)
	}
	return resp
}

func drainAndClose(t *testing.T, resp *http.Response) {
	t.Helper()
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func TestRouterAuth(t *testing.T) {
	fix := newServerFixture(t, "s3cret", 100, 100)

	health := fix.get(t, "/healthz", "")
	drainAndClose(t, health)
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz must be open, got %d", health.StatusCode)
	}

	denied := fix.get(t, "/v1/uploads", "")
	body, _ := io.ReadAll(denied.Body)
	denied.Body.Close()
	if denied.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", denied.StatusCode)
	}
	if !strings.Contains(string(body), `"unauthorized"`) {
		t.Fatalf("expected unauthorized envelope, got %s", body)
	}

	wrong := fix.get(t, "/v1/uploads", "nope")
	drainAndClose(t, wrong)
	if wrong.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", wrong.StatusCode)
	}

	allowed := fix.get(t, "/v1/uploads", "s3cret")
	drainAndClose(t, allowed)
	if allowed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", allowed.StatusCode)
	}
}

func TestRouterAuthDisabledWithoutToken(t *testing.T) {
	fix := newServerFixture(t, "", 100, 100)

	resp := fix.get(t, "/v1/queue/status", "")
	drainAndClose(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty configured token must disable auth, got %d", resp.StatusCode)
	}
}

func TestEventStreamQueryTokenAndLiveEvents(t *testing.T) {
	fix := newServerFixture(t, "s3cret", 100, 100)

	rejected := fix.get(t, "/v1/events", "")
	drainAndClose(t, rejected)
	if rejected.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stream without credentials must be 401, got %d", rejected.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fix.ts.URL+"/v1/events?access_token=s3cret", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := fix.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	readFrame := func() []byte {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				return []byte(strings.TrimPrefix(line, "data: "))
			}
		}
		t.Fatalf("stream ended before a data frame: %v", scanner.Err())
		return nil
	}

	var first struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(readFrame(), &first); err != nil {
		t.Fatalf("decode first frame: %v", err)
	}
	if first.Type != "initial_state" {
		t.Fatalf("expected initial_state first, got %q", first.Type)
	}

	created := fix.postUpload(t, "s3cret", "live.wav")
	drainAndClose(t, created)
	if created.StatusCode != http.StatusAccepted {
		t.Fatalf("upload during stream: expected 202, got %d", created.StatusCode)
	}

	var live struct {
		Type string     `json:"type"`
		Job  domain.Job `json:"job"`
	}
	if err := json.Unmarshal(readFrame(), &live); err != nil {
		t.Fatalf("decode live frame: %v", err)
	}
	if live.Type != "job_created" {
		t.Fatalf("expected job_created after upload, got %q", live.Type)
	}
	if live.Job.ID == 0 || live.Job.Type != domain.JobTypeTranscription {
		t.Fatalf("live frame missing job details: %+v", live.Job)
	}
}

func TestRouterRateLimit(t *testing.T) {
	fix := newServerFixture(t, "", 1, 1)

	first := fix.get(t, "/healthz", "")
	drainAndClose(t, first)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", first.StatusCode)
	}

	second := fix.get(t, "/healthz", "")
	body, _ := io.ReadAll(second.Body)
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
	if !strings.Contains(string(body), `"rate_limited"`) {
		t.Fatalf("expected rate_limited envelope, got %s", body)
	}
}

func TestRouterRequestID(t *testing.T) {
	fix := newServerFixture(t, "", 100, 100)

	req, err := http.NewRequest(http.MethodGet, fix.ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Request-Id", "trace-me-123")
	resp, err := fix.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	drainAndClose(t, resp)
	if got := resp.Header.Get("X-Request-Id"); got != "trace-me-123" {
		t.Fatalf("expected client id echoed back, got %q", got)
	}

	fresh := fix.get(t, "/healthz", "")
	drainAndClose(t, fresh)
	if fresh.Header.Get("X-Request-Id") == "" {
		t.Fatal("server must assign a request id when the client sends none")
	}
}
