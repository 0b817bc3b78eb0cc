package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"hark/internal/event"
)

const sseKeepAlive = 30 * time.Second

// Events serves the live queue feed over SSE. The snapshot and the
// subscription happen under the broadcaster lock, so the initial_state frame
// can never miss or duplicate an event published around subscription time.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	obs, initial, err := a.events.SubscribeWithSnapshot(uuid.NewString(), func() (event.Event, error) {
		return a.uploads.InitialState(r.Context())
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to build initial state")
		return
	}
	defer a.events.Unsubscribe(obs)

	err = event.ServeSSE(w, r, initial, obs.Events(), sseKeepAlive)
	if errors.Is(err, event.ErrStreamingUnsupported) {
		writeError(w, r, http.StatusInternalServerError, "streaming_unsupported", "this connection cannot carry an event stream")
	}
}
