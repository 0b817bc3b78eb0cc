package event

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrStreamingUnsupported means the response writer cannot flush
// incrementally, so server-sent events are impossible on this connection.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

const defaultKeepAlive = 30 * time.Second

// ServeSSE writes the initial frame and then every event from feed to w as
// server-sent events, until the client disconnects or the feed closes.
// Comment frames go out between events so idle proxies keep the connection
// open. Once the stream starts, errors mean the client is gone.
func ServeSSE(w http.ResponseWriter, r *http.Request, initial Event, feed <-chan Event, keepAlive time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	// The stream outlives any server-wide write deadline.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeFrame(w, initial); err != nil {
		return err
	}
	flusher.Flush()

	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	beat := 0
	for {
		select {
		case <-r.Context().Done():
			return nil
		case evt, open := <-feed:
			if !open {
				// Unsubscribed, dropped for falling behind, or shutdown.
				return nil
			}
			if err := writeFrame(w, evt); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			beat++
			if _, err := fmt.Fprintf(w, ": keepalive %d\n\n", beat); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w io.Writer, evt Event) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", evt.Data)
	return err
}
