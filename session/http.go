package session

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/praveer13/zest/internal/logger"
)

// httpServer is the localhost-only control surface for language bindings
// and the CLI.
type httpServer struct {
	sess     *Session
	log      logger.Logger
	listener net.Listener
	server   *http.Server
}

func newHTTPServer(s *Session) *httpServer {
	h := &httpServer{sess: s, log: logger.New("http")}
	router := httprouter.New()
	router.GET("/v1/health", h.handleHealth)
	router.GET("/v1/status", h.handleStatus)
	router.POST("/v1/pull", h.handlePull)
	router.POST("/v1/stop", h.handleStop)
	h.server = &http.Server{Handler: router}
	return h
}

func (h *httpServer) Start(port uint16) error {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		return err
	}
	h.listener = l
	go func() {
		if err := h.server.Serve(l); err != nil && err != http.ErrServerClosed {
			h.log.Errorln("control surface:", err)
		}
	}()
	h.log.Infoln("control surface on", l.Addr())
	return nil
}

// Port returns the bound control port.
func (h *httpServer) Port() uint16 {
	if h.listener == nil {
		return 0
	}
	return uint16(h.listener.Addr().(*net.TCPAddr).Port)
}

func (h *httpServer) Close() {
	if h.listener == nil {
		return
	}
	h.server.Close()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *httpServer) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *httpServer) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.sess.Status())
}

type pullRequest struct {
	Repo     string `json:"repo"`
	Revision string `json:"revision"`
}

// handlePull runs a pull and streams its events as server-sent events.
func (h *httpServer) handlePull(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req pullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Repo == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"repo\": ..., \"revision\": ...}"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(e PullEvent) {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		w.Write([]byte("event: " + e.Type + "\ndata: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}
	if err := h.sess.Pull(r.Context(), req.Repo, req.Revision, emit); err != nil {
		emit(PullEvent{Type: "error", Error: err.Error()})
	}
}

func (h *httpServer) handleStop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	// The daemon loop watches StopRequested and runs the shutdown; the
	// response is already on the wire by then.
	select {
	case h.sess.stopRequestC <- struct{}{}:
	default:
	}
}
