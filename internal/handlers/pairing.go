package handlers

import (
	"math"
	"net/http"
	"time"

	"github.com/prudhvinik1/devicepair/internal/services"
)

type registerRequest struct {
	DeviceFingerprint string `json:"deviceFingerprint" validate:"required,max=128"`
}

type registerResponse struct {
	DeviceID        string    `json:"deviceId"`
	Code            string    `json:"code"`
	ExpiresAt       time.Time `json:"expiresAt"`
	VerificationURL string    `json:"verificationUrl,omitempty"`
	Interval        int       `json:"interval"`
}

type linkRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

type linkResponse struct {
	DeviceID string `json:"deviceId"`
}

type exchangeRequest struct {
	DeviceID          string `json:"deviceId" validate:"required,max=64"`
	Code              string `json:"code" validate:"required,max=32"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty" validate:"omitempty,max=128"`
	DeviceName        string `json:"deviceName,omitempty" validate:"omitempty,max=128"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	DeviceID  string    `json:"deviceId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	UserEmail string    `json:"userEmail,omitempty"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}

	reg, err := h.pairing.Register(r.Context(), req.DeviceFingerprint)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger(r).WithField("device_id", reg.DeviceID).Info("device registered")
	writeJSON(w, http.StatusCreated, registerResponse{
		DeviceID:        reg.DeviceID,
		Code:            reg.Code,
		ExpiresAt:       reg.ExpiresAt,
		VerificationURL: reg.VerificationURL,
		Interval:        int(math.Ceil(reg.Interval.Seconds())),
	})
}

func (h *Handler) link(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	var req linkRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}

	deviceID, err := h.pairing.Link(r.Context(), req.Code, identity.UserID, identity.UserEmail)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger(r).WithField("device_id", deviceID).WithField("user_id", identity.UserID).Info("device linked")
	writeJSON(w, http.StatusOK, linkResponse{DeviceID: deviceID})
}

func (h *Handler) exchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}

	issued, err := h.pairing.Exchange(r.Context(), services.ExchangeRequest{
		DeviceID:          req.DeviceID,
		Code:              req.Code,
		DeviceFingerprint: req.DeviceFingerprint,
		DeviceName:        req.DeviceName,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger(r).WithField("device_id", issued.DeviceID).Info("device token issued")
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
		DeviceID:  issued.DeviceID,
		UserID:    issued.UserID,
		UserEmail: issued.UserEmail,
	})
}
