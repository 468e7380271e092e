// Package httputil provides HTTP response helper functions.
package httputil

import (
	"embed"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
)

//go:embed templates/notice.html.tmpl
var templatesFS embed.FS

var noticeTemplate = template.Must(template.ParseFS(templatesFS, "templates/notice.html.tmpl"))

// Notice kinds.
const (
	NoticeSuccess = "success"
	NoticeFailure = "failure"
)

// JSON writes a raw JSON response without envelope.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// Text writes a plain text response.
func Text(w http.ResponseWriter, statusCode int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// Notice writes a small HTML page with a single user-facing message.
func Notice(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := noticeTemplate.Execute(w, map[string]string{
		"Title":   http.StatusText(status),
		"Kind":    kind,
		"Message": message,
	}); err != nil {
		slog.Error("failed to render notice", "error", err)
	}
}

// Error writes a failure notice.
func Error(w http.ResponseWriter, status int, message string) {
	Notice(w, status, NoticeFailure, message)
}

// ValidationError writes a validation failure notice.
// If err is validator.ValidationErrors, the first offending field is named.
func ValidationError(w http.ResponseWriter, err error) {
	message := "invalid request"
	if validationErrors, ok := err.(validator.ValidationErrors); ok && len(validationErrors) > 0 {
		message = "invalid " + validationErrors[0].Field()
	}
	Error(w, http.StatusBadRequest, message)
}
