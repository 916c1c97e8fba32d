package handlers

import (
	"net/http"
)

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	issued, err := h.tokens.Refresh(r.Context(), bearerToken(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger(r).WithField("device_id", issued.DeviceID).Info("device token rotated")
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
	})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Revoke(r.Context(), bearerToken(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger(r).WithField("device_id", UserFromContext(r.Context()).DeviceID).Info("device logged out")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, UserFromContext(r.Context()))
}

// sessionLogout ends the browser session and clears its cookie.
func (h *Handler) sessionLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Revoke(r.Context(), webSessionToken(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	h.logger(r).WithField("user_id", identityFromContext(r.Context()).UserID).Info("web session ended")
	w.WriteHeader(http.StatusNoContent)
}
