package handlers

import (
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"hark/internal/domain"
	"hark/internal/event"
	"hark/internal/http/middleware"
	"hark/internal/provider"
	"hark/internal/service"
	"hark/internal/worker"
)

type API struct {
	uploads     *service.UploadService
	providers   *provider.Registry
	events      *event.Broadcaster
	processor   *worker.Processor
	idempotency *idempotencyStore

	maxUploadBytes  int64
	defaultProvider domain.ProviderKind
	autoSummarize   bool
}

type APIConfig struct {
	MaxUploadBytes  int64
	DefaultProvider domain.ProviderKind
	AutoSummarize   bool
}

// NewAPI wires the handler set. processor may be nil when this process only
// serves HTTP; health then omits the processor block.
func NewAPI(uploads *service.UploadService, providers *provider.Registry, events *event.Broadcaster, processor *worker.Processor, cfg APIConfig) *API {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = domain.ProviderLocal
	}
	return &API{
		uploads:         uploads,
		providers:       providers,
		events:          events,
		processor:       processor,
		idempotency:     newIdempotencyStore(),
		maxUploadBytes:  cfg.MaxUploadBytes,
		defaultProvider: cfg.DefaultProvider,
		autoSummarize:   cfg.AutoSummarize,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// idempotencyStore lets a client retry POST /v1/uploads with an
// Idempotency-Key header without queueing the same audio twice. Entries are
// matched on a fingerprint of the upload, so a reused key with different
// content is rejected instead of silently replayed.
type idempotencyEntry struct {
	Fingerprint uint64
	UploadID    string
	JobID       int64
	CreatedAt   time.Time
}

type idempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

func newIdempotencyStore() *idempotencyStore {
	return &idempotencyStore{entries: make(map[string]idempotencyEntry)}
}

func (s *idempotencyStore) Get(key string) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	return entry, ok
}

func (s *idempotencyStore) Put(key string, fingerprint uint64, uploadID string, jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = idempotencyEntry{
		Fingerprint: fingerprint,
		UploadID:    uploadID,
		JobID:       jobID,
		CreatedAt:   time.Now().UTC(),
	}
}

func uploadFingerprint(filename string, size int64, provider string, summarize bool) uint64 {
	hasher := fnv.New64a()
	payload, _ := json.Marshal(map[string]any{
		"filename":  filename,
		"size":      size,
		"provider":  provider,
		"summarize": summarize,
	})
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
