package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"expense-ledger/internal/assistant"
	"expense-ledger/internal/auth"
	"expense-ledger/internal/models"
	"expense-ledger/internal/session"
	"expense-ledger/internal/storage"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fakeAssistant struct {
	err error
}

func (f *fakeAssistant) Reply(_ context.Context, history []assistant.Turn, prompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "Tip for: " + prompt, nil
}

type staticHealth bool

func (s staticHealth) Healthy(context.Context) bool { return bool(s) }

func newRouter(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/signup", h.SignUp)
	mux.HandleFunc("POST /api/login", h.Login)
	mux.HandleFunc("POST /api/logout", h.Logout)
	mux.Handle("GET /api/me", h.AuthMiddleware(http.HandlerFunc(h.Profile)))
	mux.Handle("GET /api/transactions", h.AuthMiddleware(http.HandlerFunc(h.ListTransactions)))
	mux.Handle("POST /api/transactions", h.AuthMiddleware(http.HandlerFunc(h.CreateTransaction)))
	mux.Handle("GET /api/summary", h.AuthMiddleware(http.HandlerFunc(h.Statistics)))
	mux.Handle("POST /api/assistant", h.AuthMiddleware(http.HandlerFunc(h.Ask)))
	mux.HandleFunc("GET /healthz", h.Healthz)
	return mux
}

// HandlersTestSuite drives the API against an in-memory ledger
type HandlersTestSuite struct {
	suite.Suite
	store *storage.Store
	ai    *fakeAssistant
	h     *Handlers
	mux   *http.ServeMux
}

func (suite *HandlersTestSuite) SetupTest() {
	logger, _ := test.NewNullLogger()
	store, err := storage.NewDB(":memory:", logger)
	require.NoError(suite.T(), err, "failed to create test database")
	suite.store = store
	suite.ai = &fakeAssistant{}

	sessions := session.New(store, logger, nil)
	tokens := auth.NewTokenIssuer("test-secret", time.Hour)
	suite.h = NewHandlers(sessions, store, tokens, suite.ai, logger, false)
	suite.mux = newRouter(suite.h)
}

func (suite *HandlersTestSuite) TearDownTest() {
	suite.store.Close()
}

func (suite *HandlersTestSuite) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(suite.T(), json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	suite.mux.ServeHTTP(w, req)
	return w
}

func (suite *HandlersTestSuite) decode(w *httptest.ResponseRecorder, v any) {
	require.NoError(suite.T(), json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}

func (suite *HandlersTestSuite) signUp() string {
	w := suite.do("POST", "/api/signup", map[string]string{"user_id": "alice1", "name": "Alice", "password": "Secret1"}, "")
	require.Equal(suite.T(), http.StatusCreated, w.Code, w.Body.String())
	var resp sessionResponse
	suite.decode(w, &resp)
	require.NotEmpty(suite.T(), resp.Token)
	return resp.Token
}

func (suite *HandlersTestSuite) TestSignUpSetsCookie() {
	w := suite.do("POST", "/api/signup", map[string]string{"user_id": "alice1", "name": "Alice", "password": "Secret1"}, "")
	require.Equal(suite.T(), http.StatusCreated, w.Code)

	var resp sessionResponse
	suite.decode(w, &resp)
	assert.Equal(suite.T(), "alice1", resp.Session.UserID)
	assert.Equal(suite.T(), "Alice", resp.Session.DisplayName)

	cookies := w.Result().Cookies()
	require.Len(suite.T(), cookies, 1)
	assert.Equal(suite.T(), SessionCookieName, cookies[0].Name)
	assert.Equal(suite.T(), resp.Token, cookies[0].Value)
	assert.True(suite.T(), cookies[0].HttpOnly)
}

func (suite *HandlersTestSuite) TestSignUpDuplicate() {
	suite.signUp()

	w := suite.do("POST", "/api/signup", map[string]string{"user_id": "alice1", "name": "Alice2", "password": "Other9"}, "")
	assert.Equal(suite.T(), http.StatusConflict, w.Code)
}

func (suite *HandlersTestSuite) TestSignUpValidation() {
	w := suite.do("POST", "/api/signup", map[string]string{"user_id": "alice1", "name": "Alice", "password": "abc123"}, "")
	require.Equal(suite.T(), http.StatusBadRequest, w.Code)

	var resp errorResponse
	suite.decode(w, &resp)
	assert.Equal(suite.T(), "password", resp.Field)
	assert.Equal(suite.T(), "missing uppercase", resp.Reason)
}

func (suite *HandlersTestSuite) TestLogin() {
	suite.signUp()

	for _, creds := range []map[string]string{
		{"user_id": "alice1", "password": "WrongPass1"},
		{"user_id": "nobody", "password": "Secret1"},
	} {
		w := suite.do("POST", "/api/login", creds, "")
		require.Equal(suite.T(), http.StatusUnauthorized, w.Code)
		var resp errorResponse
		suite.decode(w, &resp)
		assert.Equal(suite.T(), models.AuthBadCredentials, resp.Reason)
	}

	w := suite.do("POST", "/api/login", map[string]string{"user_id": "alice1", "password": "Secret1"}, "")
	require.Equal(suite.T(), http.StatusOK, w.Code)
	var resp sessionResponse
	suite.decode(w, &resp)
	assert.Equal(suite.T(), "Alice", resp.Session.DisplayName)
}

func (suite *HandlersTestSuite) TestRequiresAuth() {
	for _, path := range []string{"/api/transactions", "/api/summary"} {
		w := suite.do("GET", path, nil, "")
		assert.Equal(suite.T(), http.StatusUnauthorized, w.Code, path)
	}

	w := suite.do("GET", "/api/transactions", nil, "not-a-token")
	assert.Equal(suite.T(), http.StatusUnauthorized, w.Code)
}

func (suite *HandlersTestSuite) TestCookieAuth() {
	token := suite.signUp()

	req := httptest.NewRequest("GET", "/api/transactions", http.NoBody)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	w := httptest.NewRecorder()
	suite.mux.ServeHTTP(w, req)
	assert.Equal(suite.T(), http.StatusOK, w.Code)
}

func (suite *HandlersTestSuite) TestTransactionsAndSummary() {
	token := suite.signUp()
	today := time.Now().Format(models.DateLayout)

	w := suite.do("POST", "/api/transactions", `{"amount": 250.00, "date": "`+today+`", "category": "Transportation"}`, token)
	require.Equal(suite.T(), http.StatusCreated, w.Code, w.Body.String())
	w = suite.do("POST", "/api/transactions", map[string]string{"amount": "5000.00", "date": today, "category": "Income", "comment": "Salary"}, token)
	require.Equal(suite.T(), http.StatusCreated, w.Code, w.Body.String())

	w = suite.do("GET", "/api/transactions", nil, token)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	var list listResponse
	suite.decode(w, &list)
	require.Len(suite.T(), list.Transactions, 2)
	assert.Equal(suite.T(), "250.00", list.Transactions[0].Amount)
	assert.Equal(suite.T(), "Transportation", list.Transactions[0].Key)
	assert.Equal(suite.T(), today, list.Transactions[0].Date)
	assert.True(suite.T(), list.Transactions[1].IsIncome)
	assert.Equal(suite.T(), "Salary", list.Transactions[1].Comment)

	w = suite.do("GET", "/api/summary", nil, token)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	var stats StatsViewModel
	suite.decode(w, &stats)
	assert.False(suite.T(), stats.Empty)
	assert.Equal(suite.T(), map[string]string{"Transportation": "250.00"}, stats.Buckets)
	assert.Equal(suite.T(), "5000.00", stats.Income)
	assert.Equal(suite.T(), "250.00", stats.TotalExpense)
	assert.Equal(suite.T(), "4750.00", stats.Net)
	require.Len(suite.T(), stats.Categories, 1)
	assert.Equal(suite.T(), 100.0, stats.Categories[0].Percentage)
	assert.Equal(suite.T(), "Transportation", stats.Categories[0].Key)
	require.Len(suite.T(), stats.Bars, 2)
	assert.Equal(suite.T(), "Income", stats.Bars[1].Label)
}

func (suite *HandlersTestSuite) TestCategoryKeyForLabelWithSpaces() {
	token := suite.signUp()
	today := time.Now().Format(models.DateLayout)

	w := suite.do("POST", "/api/transactions", map[string]string{"amount": "12.50", "date": today, "category": "FoodAndDining"}, token)
	require.Equal(suite.T(), http.StatusCreated, w.Code, w.Body.String())

	w = suite.do("GET", "/api/transactions", nil, token)
	var list listResponse
	suite.decode(w, &list)
	require.Len(suite.T(), list.Transactions, 1)
	assert.Equal(suite.T(), "Food & Dining", list.Transactions[0].Category)
	assert.Equal(suite.T(), "FoodAndDining", list.Transactions[0].Key)
}

func (suite *HandlersTestSuite) TestProfile() {
	token := suite.signUp()

	w := suite.do("GET", "/api/me", nil, token)
	require.Equal(suite.T(), http.StatusOK, w.Code, w.Body.String())
	var user models.User
	suite.decode(w, &user)
	assert.Equal(suite.T(), "alice1", user.UserID)
	assert.Equal(suite.T(), "Alice", user.DisplayName)
	assert.NotContains(suite.T(), w.Body.String(), "password")

	// The account is gone but the token is still valid
	require.NoError(suite.T(), suite.store.DeleteUser(context.Background(), "alice1"))
	w = suite.do("GET", "/api/me", nil, token)
	assert.Equal(suite.T(), http.StatusUnauthorized, w.Code)
}

func (suite *HandlersTestSuite) TestEmptySummary() {
	token := suite.signUp()

	w := suite.do("GET", "/api/summary", nil, token)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	var stats StatsViewModel
	suite.decode(w, &stats)
	assert.True(suite.T(), stats.Empty)
	assert.Equal(suite.T(), "0.00", stats.TotalExpense)
	assert.Empty(suite.T(), stats.Categories)
}

func (suite *HandlersTestSuite) TestCreateTransactionRejectsBadInput() {
	token := suite.signUp()
	today := time.Now().Format(models.DateLayout)

	w := suite.do("POST", "/api/transactions", map[string]any{"amount": -10, "date": today, "category": "Other"}, token)
	require.Equal(suite.T(), http.StatusBadRequest, w.Code)
	var resp errorResponse
	suite.decode(w, &resp)
	assert.Equal(suite.T(), "amount", resp.Field)
	assert.Equal(suite.T(), "must be > 0", resp.Reason)

	w = suite.do("POST", "/api/transactions", `{"amount": "12", "bogus": true}`, token)
	assert.Equal(suite.T(), http.StatusBadRequest, w.Code)

	w = suite.do("GET", "/api/transactions", nil, token)
	var list listResponse
	suite.decode(w, &list)
	assert.Empty(suite.T(), list.Transactions, "no row is written")
}

func (suite *HandlersTestSuite) TestAssistant() {
	token := suite.signUp()

	w := suite.do("POST", "/api/assistant", map[string]string{"prompt": "How do I save?"}, token)
	require.Equal(suite.T(), http.StatusOK, w.Code, w.Body.String())
	var resp assistantResponse
	suite.decode(w, &resp)
	assert.Equal(suite.T(), "Tip for: How do I save?", resp.Reply)
	assert.Len(suite.T(), resp.History, 2)

	suite.ai.err = errors.New("quota exceeded")
	w = suite.do("POST", "/api/assistant", map[string]string{"prompt": "Again?"}, token)
	assert.Equal(suite.T(), http.StatusBadGateway, w.Code)

	// The ledger keeps working while the assistant fails
	w = suite.do("GET", "/api/transactions", nil, token)
	assert.Equal(suite.T(), http.StatusOK, w.Code)
}

func (suite *HandlersTestSuite) TestAssistantDisabled() {
	token := suite.signUp()
	suite.h.assistant = assistant.Disabled{}

	w := suite.do("POST", "/api/assistant", map[string]string{"prompt": "Hi"}, token)
	assert.Equal(suite.T(), http.StatusServiceUnavailable, w.Code)
}

func (suite *HandlersTestSuite) TestLogoutClearsCookie() {
	token := suite.signUp()

	w := suite.do("POST", "/api/logout", nil, token)
	require.Equal(suite.T(), http.StatusNoContent, w.Code)
	cookies := w.Result().Cookies()
	require.Len(suite.T(), cookies, 1)
	assert.Equal(suite.T(), -1, cookies[0].MaxAge)
}

func (suite *HandlersTestSuite) TestHealthz() {
	w := suite.do("GET", "/healthz", nil, "")
	assert.Equal(suite.T(), http.StatusOK, w.Code)

	suite.h.health = staticHealth(false)
	w = suite.do("GET", "/healthz", nil, "")
	assert.Equal(suite.T(), http.StatusServiceUnavailable, w.Code)
}

func TestHandlersSuite(t *testing.T) {
	suite.Run(t, new(HandlersTestSuite))
}

func TestWriteErrorStatus(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := &Handlers{log: logger}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &models.ValidationError{Field: "amount", Reason: "not a number"}, http.StatusBadRequest},
		{"auth", &models.AuthError{Reason: models.AuthBadCredentials}, http.StatusUnauthorized},
		{"no session", session.ErrNoSession, http.StatusUnauthorized},
		{"duplicate", models.ErrDuplicateUser, http.StatusConflict},
		{"connection", &models.ConnectionError{Kind: models.ConnNetwork}, http.StatusServiceUnavailable},
		{"persistence", &models.PersistenceError{Op: "append transaction", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"assistant off", &models.AssistantError{Reason: assistant.ReasonUnavailable}, http.StatusServiceUnavailable},
		{"assistant failed", &models.AssistantError{Reason: assistant.ReasonFailed}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.writeError(w, httptest.NewRequest("GET", "/", http.NoBody), tt.err)
			assert.Equal(t, tt.want, w.Code)
			assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "application/json"))
		})
	}

	w := httptest.NewRecorder()
	h.writeError(w, httptest.NewRequest("GET", "/", http.NoBody), &models.ConnectionError{Kind: models.ConnAuth, Err: errors.New("password authentication failed")})
	assert.Contains(t, w.Body.String(), "service unavailable")
	assert.NotContains(t, w.Body.String(), "password authentication failed")
}
