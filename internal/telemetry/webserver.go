package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/logging"
)

// WebServer exposes health history and live updates over HTTP. Unlike
// the teacher's tracker dashboard, this surface has no bundled static
// assets to serve — the index route renders a minimal inline status
// page instead of an embedded SPA.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds an HTTP server serving the index, history and
// live endpoints.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/config", hub.handleGetConfig)
	mux.HandleFunc("/api/config/update", hub.handleSetConfig)
	mux.HandleFunc("/", hub.handleIndex)

	return &WebServer{
		hub:    hub,
		logger: logger.Named("telemetry"),
		srv:    &http.Server{Addr: addr, Handler: mux},
	}
}

// Start begins listening and shuts down when ctx is canceled.
func (w *WebServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("telemetry server shutdown", logging.Field{Key: "error", Value: err})
		}
	}()

	if err := w.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		w.logger.Error("telemetry server", logging.Field{Key: "error", Value: err})
	}
}

func (h *Hub) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	latest := Sample{}
	if hist := h.History(); len(hist) > 0 {
		latest = hist[len(hist)-1]
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<title>dabmod health</title>
<h1>dabmod pipeline health</h1>
<p>underruns=%d late_packets=%d frames=%d gps_locked=%t dpd_reloads=%d</p>
<p><a href="/api/history">history</a> &middot; <a href="/api/live">live (SSE)</a></p>
`, latest.Underruns, latest.LatePackets, latest.Frames, latest.GPSLocked, latest.DPDReloads)
}
