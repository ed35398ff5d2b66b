package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/HsiangNianian/lightstack-agent/internal/alertstate"
	"github.com/HsiangNianian/lightstack-agent/internal/coordinator"
	"github.com/HsiangNianian/lightstack-agent/internal/protocol"
	"github.com/HsiangNianian/lightstack-agent/internal/ws"
)

const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// StatusClientClosedRequest is reported when the caller went away before the
// command completed.
const StatusClientClosedRequest = 499

type entryView struct {
	ID            string `json:"id"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	URL           string `json:"url"`
	Endpoint      string `json:"endpoint,omitempty"`
	Connected     bool   `json:"connected"`
	LinkState     string `json:"link_state"`
	ServerVersion string `json:"server_version,omitempty"`
}

type stateView struct {
	EntryID      string           `json:"entry_id"`
	Connected    bool             `json:"connected"`
	CurrentAlert string           `json:"current_alert"`
	AlertActive  bool             `json:"alert_active"`
	Attributes   map[string]any   `json:"attributes"`
	State        alertstate.State `json:"state"`
}

type serviceRequest struct {
	EntryID  string `json:"entry_id"`
	AlertKey string `json:"alert_key"`
	Priority *int   `json:"priority"`
	Note     string `json:"note"`
}

type serviceResponse struct {
	RequestID string          `json:"request_id"`
	EntryID   string          `json:"entry_id,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.Entries()
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		coord, ok := h.registry.Get(e.ID)
		if !ok {
			continue
		}
		endpoint, err := h.registry.Endpoint(r.Context(), e.ID)
		if err != nil {
			h.log.Warn().Err(err).Str("entry", e.ID).Msg("read stored endpoint failed")
		}
		out = append(out, entryView{
			ID:            e.ID,
			Host:          e.Host,
			Port:          e.Port,
			URL:           coord.URL(),
			Endpoint:      endpoint,
			Connected:     coord.Connected(),
			LinkState:     coord.LinkState().String(),
			ServerVersion: coord.ServerVersion(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) entryState(w http.ResponseWriter, r *http.Request) {
	coord, err := h.registry.Resolve(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	st := coord.Snapshot()
	writeJSON(w, http.StatusOK, stateView{
		EntryID:      coord.EntryID(),
		Connected:    coord.Connected(),
		CurrentAlert: st.CurrentAlertValue(),
		AlertActive:  st.AlertActive(),
		Attributes:   st.Attributes(),
		State:        st,
	})
}

func (h *Handler) triggerAlert(w http.ResponseWriter, r *http.Request) {
	h.runService(w, r, protocol.CmdTriggerAlert, func(ctx context.Context, c *coordinator.Coordinator, req serviceRequest) (json.RawMessage, error) {
		return c.Trigger(ctx, req.AlertKey, req.Priority, req.Note)
	})
}

func (h *Handler) clearAlert(w http.ResponseWriter, r *http.Request) {
	h.runService(w, r, protocol.CmdClearAlert, func(ctx context.Context, c *coordinator.Coordinator, req serviceRequest) (json.RawMessage, error) {
		return c.Clear(ctx, req.AlertKey, req.Note)
	})
}

func (h *Handler) clearAllAlerts(w http.ResponseWriter, r *http.Request) {
	h.runService(w, r, protocol.CmdClearAllAlerts, func(ctx context.Context, c *coordinator.Coordinator, req serviceRequest) (json.RawMessage, error) {
		return c.ClearAll(ctx, req.Note)
	})
}

type serviceFunc func(ctx context.Context, c *coordinator.Coordinator, req serviceRequest) (json.RawMessage, error)

// runService executes one verb. A request id seen before is acknowledged
// with its recorded status and nothing is sent to LightStack again.
func (h *Handler) runService(w http.ResponseWriter, r *http.Request, verb string, call serviceFunc) {
	ctx := r.Context()
	requestID := r.Header.Get(RequestIDHeader)
	if requestID != "" {
		seen, err := h.store.IsProcessed(ctx, requestID)
		if err != nil {
			h.log.Error().Err(err).Str("request_id", requestID).Msg("check request ledger failed")
			writeError(w, http.StatusInternalServerError, protocol.CodeUnknown, "request ledger unavailable")
			return
		}
		if seen {
			status, _ := h.store.GetRequestStatus(ctx, requestID)
			h.log.Info().Str("request_id", requestID).Str("service", verb).Msg("duplicate request acknowledged")
			writeJSON(w, http.StatusOK, serviceResponse{RequestID: requestID, Duplicate: true, Status: status})
			return
		}
	} else {
		requestID = uuid.NewString()
	}

	var req serviceRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, protocol.CodeInvalidJSON, "invalid request body: "+err.Error())
			return
		}
	}

	coord, err := h.registry.Resolve(req.EntryID)
	if err != nil {
		h.fail(w, err)
		return
	}

	result, err := call(ctx, coord, req)
	if err != nil {
		h.record(requestID, StatusFailed)
		h.log.Warn().Err(err).Str("request_id", requestID).Str("entry", coord.EntryID()).Str("service", verb).Msg("service call failed")
		h.fail(w, err)
		return
	}

	h.record(requestID, StatusDone)
	h.log.Info().Str("request_id", requestID).Str("entry", coord.EntryID()).Str("service", verb).Msg("service call done")
	writeJSON(w, http.StatusOK, serviceResponse{
		RequestID: requestID,
		EntryID:   coord.EntryID(),
		Status:    StatusDone,
		Result:    result,
	})
}

// record stores the outcome even when the client went away mid-call.
func (h *Handler) record(requestID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if status == StatusDone {
		if err := h.store.MarkProcessed(ctx, requestID, h.requestTTL); err != nil {
			h.log.Error().Err(err).Str("request_id", requestID).Msg("mark request processed failed")
		}
	}
	if err := h.store.SetRequestStatus(ctx, requestID, status, h.requestTTL); err != nil {
		h.log.Error().Err(err).Str("request_id", requestID).Msg("set request status failed")
	}
}

func (h *Handler) requestStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	status, err := h.store.GetRequestStatus(r.Context(), requestID)
	if err != nil {
		h.log.Error().Err(err).Str("request_id", requestID).Msg("get request status failed")
		writeError(w, http.StatusInternalServerError, protocol.CodeUnknown, "request ledger unavailable")
		return
	}
	if status == "" {
		writeError(w, http.StatusNotFound, "REQUEST_NOT_FOUND", "unknown request id")
		return
	}
	writeJSON(w, http.StatusOK, serviceResponse{RequestID: requestID, Status: status})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("unexpected api error")
	}
	writeError(w, status, code, err.Error())
}

// classify maps an error to an HTTP status and a wire-style error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, coordinator.ErrMissingAlertKey):
		return http.StatusBadRequest, protocol.CodeMissingAlertKey
	case errors.Is(err, coordinator.ErrInvalidPriority):
		return http.StatusBadRequest, protocol.CodeInvalidMessage
	case errors.Is(err, coordinator.ErrEntryNotFound), errors.Is(err, coordinator.ErrNoEntries):
		return http.StatusNotFound, "ENTRY_NOT_FOUND"
	}
	if cmdErr, ok := ws.AsCommandError(err); ok {
		switch {
		case cmdErr.Code == protocol.CodeAlertNotFound:
			return http.StatusNotFound, cmdErr.Code
		case cmdErr.Code == protocol.CodeMissingAlertKey:
			return http.StatusBadRequest, cmdErr.Code
		case cmdErr.IsTimeout():
			return http.StatusGatewayTimeout, cmdErr.Code
		}
		return http.StatusUnprocessableEntity, cmdErr.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "CANCELLED"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, protocol.CodeTimeout
	}
	if ws.IsConnectionError(err) || errors.Is(err, ws.ErrCancelled) {
		return http.StatusServiceUnavailable, "NOT_CONNECTED"
	}
	return http.StatusInternalServerError, protocol.CodeUnknown
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}
