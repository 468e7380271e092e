package subscribers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bissquit/maillist/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var subscribeErrorMappings = []httputil.ErrorMapping{
	{Error: ErrAlreadySubscribed, Status: http.StatusConflict, Message: "Email already exists"},
	{Error: ErrMailTransport, Status: http.StatusBadGateway, Message: "Confirmation message could not be sent, please try again later"},
	{Error: ErrStorage, Status: http.StatusInternalServerError, Message: "Order failed"},
}

var confirmErrorMappings = []httputil.ErrorMapping{
	{Error: ErrNotFoundOrExpired, Status: http.StatusNotFound, Message: "Confirmation link may be expired"},
	{Error: ErrStorage, Status: http.StatusInternalServerError, Message: "Confirmation failed"},
}

var unsubscribeErrorMappings = []httputil.ErrorMapping{
	{Error: ErrSubscriberNotFound, Status: http.StatusNotFound, Message: "Not found"},
	{Error: ErrStorage, Status: http.StatusInternalServerError, Message: "Removal failed"},
}

// Handler handles HTTP requests for the public mailing list pages.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new subscribers handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers the public sign-up, confirm and unsubscribe routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/subscribe", h.Subscribe)
	r.Get("/confirm", h.Confirm)
	r.Get("/unsubscribe", h.Unsubscribe)
}

// SubscribeRequest is the sign-up form.
type SubscribeRequest struct {
	Email string `validate:"required,email,max=500"`
}

// TokenRequest carries the credential embedded in confirm and unsubscribe links.
type TokenRequest struct {
	Token string `validate:"required,max=500"`
	Email string `validate:"required,max=500"`
}

// Subscribe handles POST /subscribe.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid form")
		return
	}

	req := SubscribeRequest{Email: strings.TrimSpace(r.PostForm.Get("email"))}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if _, err := h.service.RequestSubscription(r.Context(), req.Email); err != nil {
		httputil.HandleError(r.Context(), w, err, subscribeErrorMappings)
		return
	}

	httputil.Notice(w, http.StatusOK, httputil.NoticeSuccess, "A confirmation message has been sent to your email.")
}

// Confirm handles GET /confirm?confirm_ruid=...&confirm_email=....
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := TokenRequest{
		Token: query.Get("confirm_ruid"),
		Email: query.Get("confirm_email"),
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if _, err := h.service.ConfirmSubscription(r.Context(), req.Token, req.Email); err != nil {
		httputil.HandleError(r.Context(), w, err, confirmErrorMappings)
		return
	}

	httputil.Notice(w, http.StatusOK, httputil.NoticeSuccess, "Thank you!")
}

// Unsubscribe handles GET /unsubscribe?remove_ruid=...&remove_email=....
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := TokenRequest{
		Token: query.Get("remove_ruid"),
		Email: query.Get("remove_email"),
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.service.Unsubscribe(r.Context(), req.Token, req.Email); err != nil {
		httputil.HandleError(r.Context(), w, err, unsubscribeErrorMappings)
		return
	}

	httputil.Notice(w, http.StatusOK, httputil.NoticeSuccess, fmt.Sprintf("%s removed", req.Email))
}
