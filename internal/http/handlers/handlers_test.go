package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"hark/internal/audio"
	"hark/internal/domain"
	"hark/internal/event"
	"hark/internal/provider"
	"hark/internal/repository"
	"hark/internal/service"
	"hark/internal/storage"
)

type stubProber struct{}

func (stubProber) Probe(context.Context, string) (audio.Metadata, error) {
	return audio.Metadata{DurationSeconds: 4.2, Channels: 1, SampleRate: 16000, Format: "wav"}, nil
}

type stubAdapter struct {
	kind      domain.ProviderKind
	healthErr error
}

func (s *stubAdapter) Kind() domain.ProviderKind { return s.kind }

func (s *stubAdapter) Transcribe(context.Context, provider.TranscribeRequest) (domain.Result, error) {
	return domain.Result{}, errors.New("not used")
}

func (s *stubAdapter) Summarize(context.Context, provider.SummarizeRequest) (domain.Result, error) {
	return domain.Result{}, errors.New("not used")
}

func (s *stubAdapter) Health(context.Context) error { return s.healthErr }

type apiFixture struct {
	api    *API
	store  *repository.SQLiteStore
	blobs  *storage.Disk
	events *event.Broadcaster
	local  *stubAdapter
	remote *stubAdapter
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := storage.NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("open blob dir: %v", err)
	}

	events := event.NewBroadcaster(zerolog.Nop())
	svc := service.NewUploadService(service.UploadDependencies{
		Store:          store,
		Blobs:          blobs,
		Prober:         stubProber{},
		Events:         events,
		MaxUploadBytes: 1 << 20,
		Logger:         zerolog.Nop(),
	})

	local := &stubAdapter{kind: domain.ProviderLocal}
	remote := &stubAdapter{kind: domain.ProviderRemote}
	api := NewAPI(svc, provider.NewRegistry(local, remote), events, nil, APIConfig{
		MaxUploadBytes: 1 << 20,
		AutoSummarize:  true,
	})

	return &apiFixture{api: api, store: store, blobs: blobs, events: events, local: local, remote: remote}
}

func multipartBody(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			t.Fatalf("write field %s: %v", key, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func (f *apiFixture) postUpload(t *testing.T, filename string, content []byte, fields map[string]string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, filename, content, fields)
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	f.api.CreateUpload(rec, req)
	return rec
}

// withURLParam plants a chi route context so handlers that read URL
// parameters can be called without the full router.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload errorPayload
	decodeBody(t, rec, &payload)
	if payload.RequestID == "" {
		t.Fatal("error envelope is missing request_id")
	}
	return payload.Error.Code
}

func TestCreateUploadAccepted(t *testing.T) {
	fix := newAPIFixture(t)

	rec := fix.postUpload(t, "meeting.mp3", []byte("ID3 fake audio"), map[string]string{"summarize": "true"}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp createUploadResponse
	decodeBody(t, rec, &resp)
	if resp.Upload == nil || resp.JobID == 0 {
		t.Fatalf("incomplete response: %+v", resp)
	}
	if resp.Upload.OriginalFilename != "meeting.mp3" {
		t.Fatalf("expected original filename kept, got %q", resp.Upload.OriginalFilename)
	}
	if resp.Upload.Status != domain.UploadStatusTranscribing {
		t.Fatalf("expected transcribing after enqueue, got %s", resp.Upload.Status)
	}
	if resp.Upload.MimeType != "audio/mpeg" {
		t.Fatalf("expected audio/mpeg, got %q", resp.Upload.MimeType)
	}

	job, err := fix.store.GetJob(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("job not in ledger: %v", err)
	}
	if job.Type != domain.JobTypeTranscription || job.Status != domain.JobStatusPending {
		t.Fatalf("unexpected queued job: %+v", job)
	}
	if !job.Metadata.AutoSummarize {
		t.Fatal("summarize=true was not carried into job metadata")
	}

	exists, err := fix.blobs.Exists(context.Background(), resp.Upload.Filename)
	if err != nil || !exists {
		t.Fatalf("audio bytes not stored under %q: exists=%v err=%v", resp.Upload.Filename, exists, err)
	}
}

func TestCreateUploadDefaultsFromConfig(t *testing.T) {
	fix := newAPIFixture(t)

	rec := fix.postUpload(t, "note.wav", []byte("RIFF"), nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createUploadResponse
	decodeBody(t, rec, &resp)

	job, err := fix.store.GetJob(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Provider != domain.ProviderLocal {
		t.Fatalf("expected default provider local, got %s", job.Provider)
	}
	if !job.Metadata.AutoSummarize {
		t.Fatal("expected configured auto-summarize default to apply")
	}
}

func TestCreateUploadRejectsMissingFile(t *testing.T) {
	fix := newAPIFixture(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("summarize", "true")
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	fix.api.CreateUpload(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "invalid_request" {
		t.Fatalf("expected invalid_request, got %q", code)
	}
}

func TestCreateUploadRejectsUnsupportedFormat(t *testing.T) {
	fix := newAPIFixture(t)

	rec := fix.postUpload(t, "notes.txt", []byte("plain text"), nil, nil)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := decodeErrorCode(t, rec); code != "unsupported_format" {
		t.Fatalf("expected unsupported_format, got %q", code)
	}

	jobs, err := fix.store.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("rejected upload must not enqueue, found %d jobs", len(jobs))
	}
}

func TestCreateUploadRejectsBadSummarizeValue(t *testing.T) {
	fix := newAPIFixture(t)

	rec := fix.postUpload(t, "clip.wav", []byte("RIFF"), map[string]string{"summarize": "sometimes"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "invalid_request" {
		t.Fatalf("expected invalid_request, got %q", code)
	}
}

func TestCreateUploadRejectsUnknownProvider(t *testing.T) {
	fix := newAPIFixture(t)

	rec := fix.postUpload(t, "clip.wav", []byte("RIFF"), map[string]string{"provider": "cloudx"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := decodeErrorCode(t, rec); code != "invalid_request" {
		t.Fatalf("expected invalid_request, got %q", code)
	}
}

func TestCreateUploadIdempotencyReplay(t *testing.T) {
	fix := newAPIFixture(t)
	header := http.Header{"Idempotency-Key": []string{"retry-abc"}}

	first := fix.postUpload(t, "take.wav", []byte("RIFF take one"), nil, header)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first upload: expected 202, got %d", first.Code)
	}
	var firstResp createUploadResponse
	decodeBody(t, first, &firstResp)

	second := fix.postUpload(t, "take.wav", []byte("RIFF take one"), nil, header)
	if second.Code != http.StatusAccepted {
		t.Fatalf("replay: expected 202, got %d", second.Code)
	}
	var secondResp createUploadResponse
	decodeBody(t, second, &secondResp)

	if secondResp.Upload.ID != firstResp.Upload.ID || secondResp.JobID != firstResp.JobID {
		t.Fatalf("replay must return the original upload, got %+v vs %+v", secondResp, firstResp)
	}

	jobs, err := fix.store.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("replay queued a duplicate job, ledger has %d", len(jobs))
	}
}

func TestCreateUploadIdempotencyKeyConflict(t *testing.T) {
	fix := newAPIFixture(t)
	header := http.Header{"Idempotency-Key": []string{"retry-abc"}}

	first := fix.postUpload(t, "take.wav", []byte("RIFF take one"), nil, header)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first upload: expected 202, got %d", first.Code)
	}

	conflict := fix.postUpload(t, "other.wav", []byte("RIFF something else entirely"), nil, header)
	if conflict.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused key, got %d", conflict.Code)
	}
	if code := decodeErrorCode(t, conflict); code != "idempotency_key_reused" {
		t.Fatalf("expected idempotency_key_reused, got %q", code)
	}
}

func TestGetUploadWithSubmission(t *testing.T) {
	fix := newAPIFixture(t)

	created := fix.postUpload(t, "talk.flac", []byte("fLaC data"), nil, nil)
	var resp createUploadResponse
	decodeBody(t, created, &resp)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/uploads/"+resp.Upload.ID, nil), "id", resp.Upload.ID)
	rec := httptest.NewRecorder()
	fix.api.GetUpload(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Upload     domain.Upload     `json:"upload"`
		Submission domain.Submission `json:"submission"`
	}
	decodeBody(t, rec, &got)
	if got.Upload.ID != resp.Upload.ID {
		t.Fatalf("wrong upload returned: %q", got.Upload.ID)
	}
	if got.Submission.SubmissionID != resp.Upload.ID || len(got.Submission.Jobs) != 1 {
		t.Fatalf("expected one job in submission view, got %+v", got.Submission)
	}
	if got.Submission.TranscriptStatus != domain.ArtifactPending {
		t.Fatalf("expected pending transcript, got %s", got.Submission.TranscriptStatus)
	}
}

func TestGetUploadNotFound(t *testing.T) {
	fix := newAPIFixture(t)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/uploads/nope", nil), "id", "nope")
	rec := httptest.NewRecorder()
	fix.api.GetUpload(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "not_found" {
		t.Fatalf("expected not_found, got %q", code)
	}
}

func TestListUploadsNewestFirst(t *testing.T) {
	fix := newAPIFixture(t)

	fix.postUpload(t, "first.wav", []byte("RIFF one"), nil, nil)
	time.Sleep(20 * time.Millisecond)
	fix.postUpload(t, "second.wav", []byte("RIFF two"), nil, nil)

	rec := httptest.NewRecorder()
	fix.api.ListUploads(rec, httptest.NewRequest(http.MethodGet, "/v1/uploads", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		Uploads []domain.Upload `json:"uploads"`
		Count   int             `json:"count"`
	}
	decodeBody(t, rec, &got)
	if got.Count != 2 || len(got.Uploads) != 2 {
		t.Fatalf("expected 2 uploads, got %+v", got)
	}
	if got.Uploads[0].OriginalFilename != "second.wav" {
		t.Fatalf("expected newest first, got %q", got.Uploads[0].OriginalFilename)
	}
}

func TestDeleteUploadRemovesBytesAndRecord(t *testing.T) {
	fix := newAPIFixture(t)

	created := fix.postUpload(t, "gone.ogg", []byte("OggS data"), nil, nil)
	var resp createUploadResponse
	decodeBody(t, created, &resp)

	req := withURLParam(httptest.NewRequest(http.MethodDelete, "/v1/uploads/"+resp.Upload.ID, nil), "id", resp.Upload.ID)
	rec := httptest.NewRecorder()
	fix.api.DeleteUpload(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	exists, err := fix.blobs.Exists(context.Background(), resp.Upload.Filename)
	if err != nil {
		t.Fatalf("check blob: %v", err)
	}
	if exists {
		t.Fatal("blob survived the delete")
	}

	jobs, err := fix.store.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("delete must not touch the ledger, got %d jobs", len(jobs))
	}

	again := httptest.NewRecorder()
	fix.api.DeleteUpload(again, req)
	if again.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", again.Code)
	}
}

func TestGetJob(t *testing.T) {
	fix := newAPIFixture(t)

	created := fix.postUpload(t, "probe.m4a", []byte("ftyp data"), nil, nil)
	var resp createUploadResponse
	decodeBody(t, created, &resp)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/jobs/1", nil), "id", "1")
	rec := httptest.NewRecorder()
	fix.api.GetJob(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		Job domain.Job `json:"job"`
	}
	decodeBody(t, rec, &got)
	if got.Job.ID != resp.JobID || got.Job.SubmissionID != resp.Upload.ID {
		t.Fatalf("unexpected job payload: %+v", got.Job)
	}
}

func TestGetJobRejectsBadID(t *testing.T) {
	fix := newAPIFixture(t)

	for _, raw := range []string{"abc", "-4", "0"} {
		req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/jobs/"+raw, nil), "id", raw)
		rec := httptest.NewRecorder()
		fix.api.GetJob(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("id %q: expected 400, got %d", raw, rec.Code)
		}
	}
}

func TestGetJobNotFound(t *testing.T) {
	fix := newAPIFixture(t)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/jobs/99", nil), "id", "99")
	rec := httptest.NewRecorder()
	fix.api.GetJob(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestQueueStatusCounts(t *testing.T) {
	fix := newAPIFixture(t)

	fix.postUpload(t, "a.wav", []byte("RIFF a"), nil, nil)
	fix.postUpload(t, "b.wav", []byte("RIFF b"), nil, nil)

	rec := httptest.NewRecorder()
	fix.api.QueueStatus(rec, httptest.NewRequest(http.MethodGet, "/v1/queue/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		Status domain.QueueStatus `json:"status"`
	}
	decodeBody(t, rec, &got)
	if got.Status.Pending != 2 {
		t.Fatalf("expected 2 pending jobs, got %+v", got.Status)
	}
	if got.Status.ProcessorRunning {
		t.Fatal("no processor is attached, running must be false")
	}
}

func TestHealthReportsProviders(t *testing.T) {
	fix := newAPIFixture(t)

	rec := httptest.NewRecorder()
	fix.api.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		Status    string            `json:"status"`
		Providers map[string]string `json:"providers"`
	}
	decodeBody(t, rec, &got)
	if got.Status != "ok" {
		t.Fatalf("expected ok, got %q", got.Status)
	}
	if got.Providers["local"] != "ok" || got.Providers["remote"] != "ok" {
		t.Fatalf("expected both providers ok, got %+v", got.Providers)
	}
}

func TestHealthDegradedWhenProviderDown(t *testing.T) {
	fix := newAPIFixture(t)
	fix.remote.healthErr = errors.New("deepgram unreachable")

	rec := httptest.NewRecorder()
	fix.api.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health must stay 200, got %d", rec.Code)
	}
	var got struct {
		Status    string            `json:"status"`
		Providers map[string]string `json:"providers"`
	}
	decodeBody(t, rec, &got)
	if got.Status != "degraded" {
		t.Fatalf("expected degraded, got %q", got.Status)
	}
	if !strings.Contains(got.Providers["remote"], "deepgram unreachable") {
		t.Fatalf("expected failure detail, got %q", got.Providers["remote"])
	}
}

func TestEventsStreamSendsInitialState(t *testing.T) {
	fix := newAPIFixture(t)

	created := fix.postUpload(t, "live.wav", []byte("RIFF live"), nil, nil)
	var resp createUploadResponse
	decodeBody(t, created, &resp)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	fix.api.Events(rec, req)

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("expected no-cache, got %q", got)
	}

	body := strings.TrimSpace(rec.Body.String())
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("expected an SSE data frame, got %q", body)
	}
	var frame struct {
		Type   string             `json:"type"`
		Jobs   []domain.Job       `json:"jobs"`
		Status domain.QueueStatus `json:"status"`
	}
	firstFrame := strings.SplitN(body, "\n", 2)[0]
	if err := json.Unmarshal([]byte(strings.TrimPrefix(firstFrame, "data: ")), &frame); err != nil {
		t.Fatalf("decode initial frame: %v", err)
	}
	if frame.Type != "initial_state" {
		t.Fatalf("first frame must be initial_state, got %q", frame.Type)
	}
	if len(frame.Jobs) != 1 || frame.Jobs[0].ID != resp.JobID {
		t.Fatalf("initial state must carry the queued job, got %+v", frame.Jobs)
	}
	if fix.events.ObserverCount() != 0 {
		t.Fatal("stream must unsubscribe on disconnect")
	}
}
