package qr

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"duochat/internal/metrics"
	myMiddleware "duochat/internal/middleware"
)

type Handler struct {
	service *Service
	metrics *metrics.Hub
	log     *zap.Logger
}

func NewHandler(s *Service, m *metrics.Hub, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{service: s, metrics: m, log: log}
}

func (h *Handler) Identity(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	p, err := h.service.GenerateIdentity(id.ID, id.Username)
	h.respond(w, r, p, err)
}

func (h *Handler) Verification(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	p, err := h.service.GenerateVerification(id.ID, id.Username)
	h.respond(w, r, p, err)
}

// Conversation issues a payload binding the caller, as sender, to
// otherUserID.
func (h *Handler) Conversation(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	otherID, err := strconv.Atoi(chi.URLParam(r, "otherUserID"))
	if err != nil || otherID <= 0 || otherID == id.ID {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}
	p, err := h.service.GenerateConversation(id.ID, otherID)
	h.respond(w, r, p, err)
}

// respond writes p as a PNG, or as JSON when ?format=json is given.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, p Payload, err error) {
	if err != nil {
		h.log.Error("generate qr payload", zap.Error(err))
		http.Error(w, "Failed to generate payload", http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, p)
		return
	}

	png, err := EncodePNG(p, DefaultImageSize)
	if err != nil {
		h.log.Error("encode qr", zap.String("kind", string(p.Kind)), zap.Error(err))
		http.Error(w, "Failed to encode QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

type VerifyRequest struct {
	Kind                Kind            `json:"kind"`
	Payload             json.RawMessage `json:"payload"`
	ExpectedSenderID    int             `json:"expectedSenderId,omitempty"`
	ExpectedRecipientID int             `json:"expectedRecipientId,omitempty"`
}

type VerifyResponse struct {
	Valid   bool     `json:"valid"`
	Payload *Payload `json:"payload,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// Verify checks a scanned payload. Rejections are reported in the body with
// status 200; only an unparseable request is a 400.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	p, err := Decode(req.Payload)
	if err == nil {
		if req.Kind == KindConversation {
			err = h.service.VerifyConversation(r.Context(), p, req.ExpectedSenderID, req.ExpectedRecipientID)
		} else {
			err = h.service.Verify(r.Context(), req.Kind, p)
		}
	}
	h.metrics.QRVerified(string(req.Kind), err == nil)

	if err != nil {
		h.log.Debug("qr rejected", zap.String("kind", string(req.Kind)), zap.Error(err))
		writeJSON(w, http.StatusOK, VerifyResponse{Valid: false, Reason: Reason(err)})
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: true, Payload: &p})
}

// Reason maps a verification error to a short stable string.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrPayloadExpired):
		return "expired"
	case errors.Is(err, ErrPairMismatch):
		return "pair_mismatch"
	case errors.Is(err, ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, ErrNonceReused):
		return "nonce_reused"
	}
	return "unavailable"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
