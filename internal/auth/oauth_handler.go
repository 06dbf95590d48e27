// oauth_handler.go -- HTTP handler for POST /auth/google/callback.
package auth

import (
	"encoding/json"
	"net/http"
)

// maxCallbackBody bounds the callback JSON; ID tokens are a few KB.
const maxCallbackBody = 64 << 10

// callbackResponse is the JSON body for both success and failure.
// Username is null on failure; CSRFToken only appears on success.
type callbackResponse struct {
	Username  *string `json:"username"`
	Message   string  `json:"message"`
	Success   bool    `json:"success"`
	CSRFToken string  `json:"csrf_token,omitempty"`
}

// GoogleCallback handles POST /auth/google/callback -- authenticates with an
// authorization code or ID token and, on success, sets the session cookie.
// Returns 200 on success, 401 on any authentication failure, 400 for an undecodable
// body or one carrying neither code nor idToken.
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Code    string `json:"code"`
		IDToken string `json:"idToken"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode google callback input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	req := CallbackRequest{Code: input.Code, IDToken: input.IDToken}
	if c, err := r.Cookie(h.Cookie.Name()); err == nil {
		req.PriorSession = c.Value
	}

	outcome, sess := h.Callback.Handle(r.Context(), req)
	if outcome.Message == MessageNoCredential {
		logInfo(r, "google callback without credential")
		BadRequest(w, r, outcome.Message)
		return
	}
	if !outcome.Success || sess == nil {
		logInfo(r, "google callback rejected", "message", outcome.Message)
		writeJSON(w, http.StatusUnauthorized, callbackResponse{Message: outcome.Message})
		return
	}

	SetSessionCookie(w, h.Cookie, sess.Handle, sess.ExpiresAt)
	logInfo(r, "google user logged in", "username", outcome.Username)
	writeJSON(w, http.StatusOK, callbackResponse{
		Username:  &outcome.Username,
		Message:   outcome.Message,
		Success:   true,
		CSRFToken: sess.CSRFToken,
	})
}
