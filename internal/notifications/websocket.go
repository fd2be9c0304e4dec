package notifications

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"

	"github.com/metroai/defect-hub/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// ReportReader loads the current report state.
type ReportReader interface {
	GetReport(ctx context.Context, id int64) (*storage.Report, error)
}

// Handler streams status events over websocket. The current state is sent
// first; the connection is closed after a terminal status.
type Handler struct {
	hub      *Hub
	reports  ReportReader
	upgrader websocket.Upgrader
	logger   log.Interface
}

// NewHandler builds the websocket handler. An empty allowedOrigins accepts any origin.
func NewHandler(hub *Hub, reports ReportReader, allowedOrigins []string, logger log.Interface) *Handler {
	if logger == nil {
		logger = log.Log
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &Handler{
		hub:     hub,
		reports: reports,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowed) == 0 {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// HandleAIStatus handles GET /ws/ai-status?report_id=N
func (h *Handler) HandleAIStatus(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, r.URL.Query().Get("report_id"))
}

// HandleReportStatus handles GET /ws/reports/{id}/status
func (h *Handler) HandleReportStatus(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, r.PathValue("id"))
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, rawID string) {
	reportID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || reportID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "report_id must be a positive integer")
		return
	}

	// Subscribe before reading the snapshot so no transition falls in between.
	sub := h.hub.Subscribe(reportID)
	defer sub.Close()

	report, err := h.reports.GetReport(r.Context(), reportID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report_not_found", "Report not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to load report")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("ws: upgrade failed")
		return
	}
	defer conn.Close()

	logger := h.logger.WithField("report_id", reportID)
	logger.Debug("ws: subscriber connected")

	closed := make(chan struct{})
	go readPump(conn, closed)

	if !writeEvent(conn, EventFromReport(report)) {
		return
	}
	if report.Status.IsTerminal() {
		closeNormal(conn)
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			logger.Debug("ws: subscriber went away")
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if !writeEvent(conn, ev) {
				return
			}
			if ev.Status.IsTerminal() {
				closeNormal(conn)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and signals when the peer is gone.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev StatusEvent) bool {
	ev.Origin = ""
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev) == nil
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal status")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}`))
}
