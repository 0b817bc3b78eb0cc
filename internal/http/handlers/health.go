package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// Health reports liveness plus the state of each inference backend and the
// processor loop. It always answers 200; "degraded" in the body is the
// signal, so a dead Ollama does not get the whole pod restarted.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	adapters := a.providers.All()
	providers := make(map[string]string, len(adapters))
	degraded := false

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, adapter := range adapters {
		adapter := adapter
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := "ok"
			if err := adapter.Health(ctx); err != nil {
				state = "error: " + err.Error()
			}
			mu.Lock()
			providers[string(adapter.Kind())] = state
			if state != "ok" {
				degraded = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	status := "ok"
	if degraded {
		status = "degraded"
	}

	response := map[string]any{
		"status":    status,
		"providers": providers,
	}
	if a.processor != nil {
		response["processor"] = a.processor.Status()
	}

	writeJSON(w, http.StatusOK, response)
}
