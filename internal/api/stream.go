package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// streamMJPEG serves the annotated frames as a multipart MJPEG stream. A
// viewer that connects mid-run starts from the latest snapshot; a viewer
// that stalls skips frames instead of building a backlog.
func (s *Server) streamMJPEG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	const boundary = "census-frame"
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	writeFrame := func(jpeg []byte) bool {
		if len(jpeg) == 0 {
			return true
		}
		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(jpeg)); err != nil {
			return false
		}
		if _, err := w.Write(jpeg); err != nil {
			return false
		}
		if _, err := fmt.Fprint(w, "\r\n"); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Start from whatever is already published.
	if snap := s.bus.Latest(); snap != nil {
		if !writeFrame(snap.AnnotatedJPEG) {
			return
		}
	}

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if !writeFrame(snap.AnnotatedJPEG) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// streamCounts serves count updates as Server-Sent Events, one JSON
// payload per published snapshot.
func (s *Server) streamCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(map[string]any{
				"timestamp": snap.Timestamp,
				"cycle":     snap.Cycle,
				"counts":    snap.Counts,
			})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
