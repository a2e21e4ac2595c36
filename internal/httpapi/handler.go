package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	slogcontext "github.com/veqryn/slog-context"

	"hashrelay/internal/domain"
	"hashrelay/internal/pipeline"
	"hashrelay/internal/pool"
)

const maxBodyBytes = 1 << 20

type hashRequest struct {
	ID   *int64  `json:"id"`
	Data *string `json:"data"`
}

type handler struct {
	svc      Service
	store    StoreStats
	channels ChannelStats
}

func (h *handler) hash(w http.ResponseWriter, r *http.Request) {
	logger := slogcontext.FromCtx(r.Context())

	var req hashRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		logger.InfoContext(r.Context(), "rejecting malformed request", slog.Any("error", err))
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == nil || req.Data == nil {
		http.Error(w, "id and data are required", http.StatusBadRequest)
		return
	}

	msg, err := h.svc.Handle(r.Context(), domain.RequestInput{ID: *req.ID, Payload: []byte(*req.Data)})
	switch pipeline.OutcomeOf(err) {
	case pipeline.Success:
		body, err := json.Marshal(msg)
		if err != nil {
			logger.ErrorContext(r.Context(), "encode response", slog.Any("error", err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", pipeline.ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	case pipeline.NotFound:
		w.WriteHeader(http.StatusNotFound)
	default:
		logger.ErrorContext(r.Context(), "request failed", slog.Int64("client_id", *req.ID), slog.String("cause", cause(err)), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func cause(err error) string {
	for _, c := range []struct {
		err  error
		name string
	}{
		{domain.ErrStorePoolExhausted, "store_pool_exhausted"},
		{domain.ErrStoreTransport, "store_transport"},
		{domain.ErrStoreQuery, "store_query"},
		{domain.ErrBrokerPoolExhausted, "broker_pool_exhausted"},
		{domain.ErrBrokerPublish, "broker_publish"},
	} {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return "unknown"
}

type healthResponse struct {
	Status   string     `json:"status"`
	Store    pool.Stats `json:"store"`
	Channels pool.Stats `json:"channels"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: h.store.Stats(), Channels: h.channels.Stats()}
	status := http.StatusOK
	if !h.channels.Healthy() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
