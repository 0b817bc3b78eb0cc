// Command load drives the HTTP API with an in-process stack and fake
// inference sidecars, reporting latency percentiles per endpoint and the
// queue drain rate. It exists to catch regressions in the request path, not
// to benchmark the models.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hark/internal/event"
	httpserver "hark/internal/http"
	"hark/internal/http/handlers"
	"hark/internal/provider"
	"hark/internal/repository"
	"hark/internal/service"
	"hark/internal/storage"
	"hark/internal/worker"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type drainResult struct {
	JobsDrained   int     `json:"jobs_drained"`
	DrainSeconds  float64 `json:"drain_seconds"`
	JobsPerSecond float64 `json:"jobs_per_second"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	QueueDrain     drainResult      `json:"queue_drain"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server  *httptest.Server
	store   *repository.SQLiteStore
	cleanup func()
}

func main() {
	uploadsTotal := flag.Int("uploads-total", 200, "total upload requests")
	uploadsConcurrency := flag.Int("uploads-concurrency", 16, "concurrency for upload requests")
	listTotal := flag.Int("list-total", 150, "total upload list requests")
	listConcurrency := flag.Int("list-concurrency", 20, "concurrency for list requests")
	statusTotal := flag.Int("status-total", 150, "total queue status requests")
	statusConcurrency := flag.Int("status-concurrency", 20, "concurrency for status requests")
	jobsTotal := flag.Int("jobs-total", 150, "total job lookup requests")
	jobsConcurrency := flag.Int("jobs-concurrency", 20, "concurrency for job lookups")
	drainTimeout := flag.Duration("drain-timeout", 2*time.Minute, "how long to wait for the queue to drain")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env, err := startBenchmarkEnvironment()
	if err != nil {
		log.Fatalf("failed to start local benchmark environment: %v", err)
	}
	defer env.cleanup()

	client := &http.Client{Timeout: 10 * time.Second}

	uploadsScenario := runScenario("uploads_enqueue", *uploadsTotal, *uploadsConcurrency, func(index int) error {
		return postUpload(client, env.server.URL, fmt.Sprintf("clip-%d.wav", index), index%2 == 0)
	})

	listScenario := runScenario("uploads_list", *listTotal, *listConcurrency, func(index int) error {
		return getJSON(client, env.server.URL+"/v1/uploads", http.StatusOK)
	})

	statusScenario := runScenario("queue_status", *statusTotal, *statusConcurrency, func(index int) error {
		return getJSON(client, env.server.URL+"/v1/queue/status", http.StatusOK)
	})

	jobsScenario := runScenario("jobs_get", *jobsTotal, *jobsConcurrency, func(index int) error {
		jobID := (index % *uploadsTotal) + 1
		return getJSON(client, fmt.Sprintf("%s/v1/jobs/%d", env.server.URL, jobID), http.StatusOK)
	})

	drain, err := waitForDrain(context.Background(), env.store, *drainTimeout)
	if err != nil {
		log.Fatalf("queue never drained: %v", err)
	}

	results := []scenarioResult{
		uploadsScenario,
		listScenario,
		statusScenario,
		jobsScenario,
	}

	slo := map[string]bool{
		"upload_enqueue_p95_le_500ms": uploadsScenario.P95MS <= 500,
		"queue_status_p95_le_150ms":   statusScenario.P95MS <= 150,
		"job_lookup_p95_le_150ms":     jobsScenario.P95MS <= 150,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		QueueDrain:     drain,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

// startBenchmarkEnvironment assembles the service against fake sidecars so
// the run measures this codebase, not whisper or ollama.
func startBenchmarkEnvironment() (*benchmarkEnv, error) {
	tempDir, err := os.MkdirTemp("", "hark-load-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	whisperServer := httptest.NewServer(fakeWhisperHandler())
	ollamaServer := httptest.NewServer(fakeOllamaHandler())

	store, err := repository.NewSQLiteStore(filepath.Join(tempDir, "load.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	blobs, err := storage.NewDisk(filepath.Join(tempDir, "uploads"))
	if err != nil {
		return nil, fmt.Errorf("open blob dir: %w", err)
	}

	events := event.NewBroadcaster(zerolog.Nop())

	local := provider.NewLocal(
		provider.NewWhisperClient(provider.WhisperConfig{BaseURL: whisperServer.URL, Timeout: 10 * time.Second}),
		provider.NewOllamaClient(provider.OllamaConfig{BaseURL: ollamaServer.URL, Timeout: 10 * time.Second}),
	)
	registry := provider.NewRegistry(local)

	svc := service.NewUploadService(service.UploadDependencies{
		Store:          store,
		Blobs:          blobs,
		Events:         events,
		MaxUploadBytes: 1 << 20,
		Logger:         zerolog.Nop(),
	})

	processor := worker.NewProcessor(worker.Config{
		PollInterval:   50 * time.Millisecond,
		MaxRetries:     3,
		RetryBaseDelay: 50 * time.Millisecond,
		RetryMaxDelay:  time.Second,
	}, worker.Dependencies{
		Store:     store,
		Providers: registry,
		Blobs:     blobs,
		Events:    events,
		Hooks:     svc,
		Logger:    zerolog.Nop(),
	})
	svc.AttachProcessor(processor)

	ctx, cancel := context.WithCancel(context.Background())
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		if err := processor.Start(ctx); err != nil {
			log.Printf("processor stopped: %v", err)
		}
	}()

	api := handlers.NewAPI(svc, registry, events, processor, handlers.APIConfig{
		MaxUploadBytes: 1 << 20,
		AutoSummarize:  false,
	})
	server := httptest.NewServer(httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         zerolog.Nop(),
		CORSOrigins:    []string{"*"},
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	}))

	cleanup := func() {
		server.Close()
		cancel()
		<-processorDone
		events.Close()
		_ = store.Close()
		whisperServer.Close()
		ollamaServer.Close()
		_ = os.RemoveAll(tempDir)
	}

	return &benchmarkEnv{server: server, store: store, cleanup: cleanup}, nil
}

func fakeWhisperHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file part", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"benchmark transcript","language":"en","duration":2.0,"model":"whisper-bench"}`))
	})
	return mux
}

func fakeOllamaHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[]}`))
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"response":"benchmark summary","done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"done":true,"model":"llama-bench","prompt_eval_count":10,"eval_count":2}` + "\n"))
	})
	return mux
}

// waitForDrain polls the ledger until nothing is pending or processing, then
// reports how fast the processor chewed through the backlog. Only jobs that
// settle after this call starts count toward the rate.
func waitForDrain(ctx context.Context, store *repository.SQLiteStore, timeout time.Duration) (drainResult, error) {
	initial, err := store.StatusSnapshot(ctx)
	if err != nil {
		return drainResult{}, err
	}
	settledBefore := initial.Completed + initial.Failed

	started := time.Now()
	deadline := started.Add(timeout)
	for time.Now().Before(deadline) {
		counts, err := store.StatusSnapshot(ctx)
		if err != nil {
			return drainResult{}, err
		}
		if counts.Pending == 0 && counts.Processing == 0 {
			elapsed := time.Since(started).Seconds()
			drained := counts.Completed + counts.Failed - settledBefore
			rate := 0.0
			if elapsed > 0 {
				rate = float64(drained) / elapsed
			}
			return drainResult{
				JobsDrained:   drained,
				DrainSeconds:  round2(elapsed),
				JobsPerSecond: round2(rate),
			}, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return drainResult{}, fmt.Errorf("jobs still queued after %s", timeout)
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postUpload(client *http.Client, baseURL, filename string, summarize bool) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, strings.NewReader("RIFF benchmark audio payload")); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	if err := writer.WriteField("summarize", fmt.Sprintf("%t", summarize)); err != nil {
		return fmt.Errorf("write summarize field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, baseURL+"/v1/uploads", &buf)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, http.StatusAccepted, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func getJSON(client *http.Client, url string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
