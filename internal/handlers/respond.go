package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/prudhvinik1/devicepair/internal/services"
)

const maxBodyBytes = 16 << 10

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

var errUnsupportedMediaType = errors.New("unsupported media type")

// decodeJSON reads a size-capped JSON body into v and runs its validate tags.
// Only application/json is accepted so that browsers cannot post the body
// cross-site as a simple request.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errUnsupportedMediaType
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", services.ErrInvalidRequest, err)
	}
	if err := h.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", services.ErrInvalidRequest, err)
	}
	return nil
}

func (h *Handler) writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUnsupportedMediaType) {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported media type")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid request")
}

// writeServiceError maps service sentinels to the least revealing status that
// still tells the client what to do next. Anything unexpected is logged and
// answered with a bare 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, "pairing code not found or expired")
	case errors.Is(err, services.ErrExpired):
		writeError(w, http.StatusGone, "pairing code expired")
	case errors.Is(err, services.ErrPending):
		writeError(w, http.StatusTooEarly, "not yet linked")
	case errors.Is(err, services.ErrAlreadyLinked):
		writeError(w, http.StatusConflict, "pairing code already used")
	case errors.Is(err, services.ErrInvalidToken), errors.Is(err, services.ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		h.logger(r).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
