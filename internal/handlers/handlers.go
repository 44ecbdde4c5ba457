package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"expense-ledger/internal/assistant"
	"expense-ledger/internal/auth"
	"expense-ledger/internal/models"
	"expense-ledger/internal/session"

	"github.com/sirupsen/logrus"
)

// Context key type to avoid collisions.
type contextKey string

const (
	// SessionContextKey is the context key for the authenticated session.
	SessionContextKey contextKey = "session"
	// SessionCookieName is the name of the session cookie.
	SessionCookieName = "session"
)

// HealthChecker reports whether the database can be reached.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	sessions     *session.Manager
	health       HealthChecker
	tokens       *auth.TokenIssuer
	assistant    assistant.Client
	log          logrus.FieldLogger
	secureCookie bool

	mu            sync.Mutex
	conversations map[string]*assistant.Conversation
}

// NewHandlers creates a new Handlers instance. ai may be a disabled client.
func NewHandlers(sessions *session.Manager, health HealthChecker, tokens *auth.TokenIssuer, ai assistant.Client, log logrus.FieldLogger, secureCookie bool) *Handlers {
	return &Handlers{
		sessions:      sessions,
		health:        health,
		tokens:        tokens,
		assistant:     ai,
		log:           log.WithField("component", "http"),
		secureCookie:  secureCookie,
		conversations: make(map[string]*assistant.Conversation),
	}
}

// GetSessionFromContext retrieves the authenticated session from request context.
func GetSessionFromContext(r *http.Request) *models.Session {
	if sess, ok := r.Context().Value(SessionContextKey).(*models.Session); ok {
		return sess
	}
	return nil
}

// AuthMiddleware wraps handlers to require a valid session token, taken from
// the session cookie or a bearer Authorization header.
// It also implements rolling sessions: a token past the halfway point of its
// lifetime is replaced with a fresh one.
func (h *Handlers) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			if cookie, err := r.Cookie(SessionCookieName); err == nil {
				raw = cookie.Value
			}
		}
		if raw == "" {
			h.writeError(w, r, session.ErrNoSession)
			return
		}

		claims, err := h.tokens.ValidateSessionToken(raw)
		if err != nil {
			// Invalid or expired token, clear the cookie
			h.clearSessionCookie(w)
			h.writeError(w, r, session.ErrNoSession)
			return
		}

		sess := &models.Session{UserID: claims.Subject, DisplayName: claims.Name}
		if claims.IssuedAt != nil && claims.ExpiresAt != nil {
			sess.StartedAt = claims.IssuedAt.Time
			lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
			if time.Until(claims.ExpiresAt.Time) < lifetime/2 {
				if _, _, err := h.startSession(w, sess); err != nil {
					h.log.WithError(err).Warn("Failed to renew session token")
				}
			}
		}

		ctx := context.WithValue(r.Context(), SessionContextKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

type signUpRequest struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Session   *models.Session `json:"session"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// SignUp registers a user and logs them in.
func (h *Handlers) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.sessions.SignUp(r.Context(), req.UserID, req.Name, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondWithSession(w, r, http.StatusCreated, sess)
}

// Login checks credentials and sets the session cookie.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.sessions.Login(r.Context(), strings.TrimSpace(req.UserID), req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondWithSession(w, r, http.StatusOK, sess)
}

// Logout clears the session cookie and forgets the assistant conversation.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if raw := bearerToken(r); raw != "" {
		h.forgetConversation(raw)
	} else if cookie, err := r.Cookie(SessionCookieName); err == nil {
		h.forgetConversation(cookie.Value)
	}
	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) forgetConversation(raw string) {
	claims, err := h.tokens.ValidateSessionToken(raw)
	if err != nil {
		return
	}
	h.mu.Lock()
	delete(h.conversations, claims.Subject)
	h.mu.Unlock()
}

func (h *Handlers) respondWithSession(w http.ResponseWriter, r *http.Request, status int, sess *models.Session) {
	token, expiresAt, err := h.startSession(w, sess)
	if err != nil {
		h.log.WithError(err).Error("Failed to generate session token")
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, sessionResponse{Session: sess, Token: token, ExpiresAt: expiresAt})
}

func (h *Handlers) startSession(w http.ResponseWriter, sess *models.Session) (string, time.Time, error) {
	token, expiresAt, err := h.tokens.GenerateSessionToken(sess.UserID, sess.DisplayName)
	if err != nil {
		return "", time.Time{}, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return token, expiresAt, nil
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// transactionItem is a transaction as the API shows it.
type transactionItem struct {
	ID        int64     `json:"id"`
	Date      string    `json:"date"`
	Category  string    `json:"category"`
	Key       string    `json:"category_key"`
	Amount    string    `json:"amount"`
	Comment   string    `json:"comment,omitempty"`
	IsIncome  bool      `json:"is_income"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type listResponse struct {
	Transactions []transactionItem `json:"transactions"`
}

// formText accepts a JSON string or number and keeps its text, so the
// validator sees exactly what the client sent.
type formText string

func (t *formText) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = formText(s)
		return nil
	}
	*t = formText(bytes.TrimSpace(b))
	return nil
}

type createRequest struct {
	Amount   formText `json:"amount"`
	Date     string   `json:"date"`
	Category string   `json:"category"`
	Comment  string   `json:"comment"`
}

// Profile returns the logged-in user's account.
func (h *Handlers) Profile(w http.ResponseWriter, r *http.Request) {
	user, err := h.sessions.Profile(r.Context(), GetSessionFromContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListTransactions returns the user's transactions in insertion order.
func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.sessions.Transactions(r.Context(), GetSessionFromContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]transactionItem, 0, len(txs))
	for _, t := range txs {
		items = append(items, transactionItem{
			ID:        t.ID,
			Date:      t.DateText(),
			Category:  string(t.Category),
			Key:       t.Category.Identifier(),
			Amount:    t.Amount.StringFixed(2),
			Comment:   t.Comment,
			IsIncome:  t.IsIncome(),
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, listResponse{Transactions: items})
}

// CreateTransaction validates and appends a transaction.
func (h *Handlers) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.sessions.AddTransaction(r.Context(), GetSessionFromContext(r), string(req.Amount), req.Date, req.Category, req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

type assistantRequest struct {
	Prompt string `json:"prompt"`
}

type assistantResponse struct {
	Reply   string           `json:"reply"`
	History []assistant.Turn `json:"history"`
}

// Ask sends a prompt to the assistant within the user's conversation.
func (h *Handlers) Ask(w http.ResponseWriter, r *http.Request) {
	if !assistant.Enabled(h.assistant) {
		h.writeError(w, r, &models.AssistantError{Reason: assistant.ReasonUnavailable})
		return
	}
	var req assistantRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv := h.conversation(GetSessionFromContext(r).UserID)
	reply, err := conv.Send(r.Context(), req.Prompt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assistantResponse{Reply: reply, History: conv.History()})
}

func (h *Handlers) conversation(userID string) *assistant.Conversation {
	h.mu.Lock()
	defer h.mu.Unlock()
	conv, ok := h.conversations[userID]
	if !ok {
		conv = assistant.NewConversation(h.assistant)
		h.conversations[userID] = conv
	}
	return conv
}

// Healthz reports whether the database is reachable.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	if !h.health.Healthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// writeError maps the ledger error kinds to HTTP statuses.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *models.ValidationError
		aerr *models.AuthError
		cerr *models.ConnectionError
		perr *models.PersistenceError
		xerr *models.AssistantError
	)
	entry := h.log.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path})

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field, Reason: verr.Reason})
	case errors.As(err, &aerr):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: aerr.Error(), Reason: aerr.Reason})
	case errors.Is(err, session.ErrNoSession):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrDuplicateUser):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.As(err, &cerr):
		entry.Warn("Database unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service unavailable", Reason: cerr.Kind.String()})
	case errors.As(err, &perr):
		entry.Error("Write failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not save changes"})
	case errors.As(err, &xerr):
		status := http.StatusBadGateway
		if xerr.Reason == assistant.ReasonUnavailable {
			status = http.StatusServiceUnavailable
		} else {
			entry.Warn("Assistant request failed")
		}
		writeJSON(w, status, errorResponse{Error: "assistant: " + xerr.Reason, Reason: xerr.Reason})
	default:
		entry.Error("Unexpected error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
