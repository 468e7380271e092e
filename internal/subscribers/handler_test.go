package subscribers

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	repo   *mockRepository
	sender *recordingSender
	router *chi.Mux
}

func newHandlerFixture() *handlerFixture {
	repo := newMockRepository()
	sender := newRecordingSender()
	svc := newTestService(repo, sender, WithTokenFunc(fixedToken("ab12CD34ef56GH78")))

	r := chi.NewRouter()
	NewHandler(svc).RegisterRoutes(r)

	return &handlerFixture{repo: repo, sender: sender, router: r}
}

func (f *handlerFixture) do(t *testing.T, req *http.Request) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	return rec.Code, string(body)
}

func subscribeRequest(email string) *http.Request {
	form := url.Values{"email": {email}}
	req := httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestHandler_Subscribe(t *testing.T) {
	tests := []struct {
		name       string
		email      string
		setup      func(*handlerFixture)
		wantStatus int
		wantBody   string
	}{
		{
			name:       "new address",
			email:      "a@x.io",
			wantStatus: http.StatusOK,
			wantBody:   "A confirmation message has been sent to your email.",
		},
		{
			name:  "already confirmed",
			email: "a@x.io",
			setup: func(f *handlerFixture) {
				f.repo.seed("a@x.io", "tok", true, time.Now())
			},
			wantStatus: http.StatusConflict,
			wantBody:   "Email already exists",
		},
		{
			name:  "storage failure",
			email: "a@x.io",
			setup: func(f *handlerFixture) {
				f.repo.insertErr = errors.New("disk full")
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Order failed",
		},
		{
			name:  "mail failure",
			email: "a@x.io",
			setup: func(f *handlerFixture) {
				f.sender.failFor["a@x.io"] = errSMTPDown
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "invalid address",
			email:      "not-an-email",
			wantStatus: http.StatusBadRequest,
			wantBody:   "invalid Email",
		},
		{
			name:       "missing address",
			email:      "",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture()
			if tt.setup != nil {
				tt.setup(f)
			}

			status, body := f.do(t, subscribeRequest(tt.email))
			assert.Equal(t, tt.wantStatus, status)
			assert.Contains(t, body, tt.wantBody)
			assert.NotContains(t, body, "disk full")
		})
	}
}

func TestHandler_ConfirmAndUnsubscribe(t *testing.T) {
	f := newHandlerFixture()

	status, _ := f.do(t, subscribeRequest("a@x.io"))
	require.Equal(t, http.StatusOK, status)

	confirm := "/confirm?" + url.Values{
		"confirm_ruid":  {"ab12CD34ef56GH78"},
		"confirm_email": {"a@x.io"},
	}.Encode()
	status, body := f.do(t, httptest.NewRequest(http.MethodGet, confirm, nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Thank you!")

	unsubscribe := "/unsubscribe?" + url.Values{
		"remove_ruid":  {"ab12CD34ef56GH78"},
		"remove_email": {"a@x.io"},
	}.Encode()
	status, body = f.do(t, httptest.NewRequest(http.MethodGet, unsubscribe, nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "a@x.io removed")

	status, body = f.do(t, httptest.NewRequest(http.MethodGet, unsubscribe, nil))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body, "Not found")
}

func TestHandler_Confirm_Errors(t *testing.T) {
	tests := []struct {
		name       string
		query      url.Values
		wantStatus int
		wantBody   string
	}{
		{
			name:       "unknown token",
			query:      url.Values{"confirm_ruid": {"nope"}, "confirm_email": {"a@x.io"}},
			wantStatus: http.StatusNotFound,
			wantBody:   "Confirmation link may be expired",
		},
		{
			name:       "missing token",
			query:      url.Values{"confirm_email": {"a@x.io"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing email",
			query:      url.Values{"confirm_ruid": {"tok"}},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture()
			status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/confirm?"+tt.query.Encode(), nil))
			assert.Equal(t, tt.wantStatus, status)
			assert.Contains(t, body, tt.wantBody)
		})
	}
}

func TestHandler_Unsubscribe_EscapesEmail(t *testing.T) {
	f := newHandlerFixture()
	f.repo.seed("<i>@x.io", "tok", true, time.Now())

	query := url.Values{"remove_ruid": {"tok"}, "remove_email": {"<i>@x.io"}}
	status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/unsubscribe?"+query.Encode(), nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "&lt;i&gt;@x.io removed")
	assert.NotContains(t, body, "<i>@x.io")
}

func TestHandler_StorageFailureOnConfirm(t *testing.T) {
	f := newHandlerFixture()
	f.repo.findErr = errors.New("connection reset")

	query := url.Values{"confirm_ruid": {"tok"}, "confirm_email": {"a@x.io"}}
	status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/confirm?"+query.Encode(), nil))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotContains(t, body, "connection reset")
}
