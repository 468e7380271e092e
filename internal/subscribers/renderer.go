package subscribers

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io"
	"net/url"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/bissquit/maillist/internal/domain"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const confirmationSubject = "Confirm email"

// LinkConfig holds the public pages the confirmation and unsubscribe links point to.
type LinkConfig struct {
	ConfirmURL     string
	UnsubscribeURL string
}

// BroadcastData is passed to the broadcast template.
type BroadcastData struct {
	Email      string
	Now        time.Time
	NextMonday time.Time
	NextFriday time.Time
}

type executor interface {
	Execute(w io.Writer, data any) error
}

// BroadcastTemplate is a parsed broadcast template, ready to be rendered per recipient.
type BroadcastTemplate struct {
	name   string
	format TemplateFormat
	tmpl   executor
}

// Renderer builds confirmation and broadcast message bodies.
type Renderer struct {
	confirmURL     *url.URL
	unsubscribeURL *url.URL
	location       *time.Location

	confirmation *htmltemplate.Template
	footer       *htmltemplate.Template
	markdown     goldmark.Markdown
	funcMap      map[string]any
}

// NewRenderer creates a renderer and loads the embedded templates.
func NewRenderer(links LinkConfig, location *time.Location) (*Renderer, error) {
	confirmURL, err := parseLink("confirm", links.ConfirmURL)
	if err != nil {
		return nil, err
	}
	unsubscribeURL, err := parseLink("unsubscribe", links.UnsubscribeURL)
	if err != nil {
		return nil, err
	}
	if location == nil {
		location = time.UTC
	}

	confirmation, err := htmltemplate.ParseFS(templatesFS, "templates/confirmation.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse confirmation template: %w", err)
	}
	footer, err := htmltemplate.ParseFS(templatesFS, "templates/unsubscribe_footer.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse unsubscribe footer template: %w", err)
	}

	return &Renderer{
		confirmURL:     confirmURL,
		unsubscribeURL: unsubscribeURL,
		location:       location,
		confirmation:   confirmation,
		footer:         footer,
		markdown: goldmark.New(
			// GFM without Linkify: subscriber addresses must stay plain text
			goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.TaskList),
			goldmark.WithRendererOptions(goldmarkhtml.WithHardWraps()),
		),
		funcMap: map[string]any{
			"title":      titleCase,
			"upper":      strings.ToUpper,
			"lower":      strings.ToLower,
			"formatDate": formatDate,
		},
	}, nil
}

func parseLink(name, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%s url is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s url: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s url must be absolute: %q", name, raw)
	}
	return u, nil
}

// ConfirmLink returns the confirmation link for a subscriber.
func (r *Renderer) ConfirmLink(token, email string) string {
	return withQuery(r.confirmURL, map[string]string{
		"confirm_ruid":  token,
		"confirm_email": email,
	})
}

// UnsubscribeLink returns the unsubscribe link for a subscriber.
func (r *Renderer) UnsubscribeLink(token, email string) string {
	return withQuery(r.unsubscribeURL, map[string]string{
		"remove_email": email,
		"remove_ruid":  token,
	})
}

func withQuery(base *url.URL, params map[string]string) string {
	u := *base
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RenderConfirmation renders the confirmation message for a new subscriber.
func (r *Renderer) RenderConfirmation(sub domain.Subscriber) (subject, body string, err error) {
	var buf bytes.Buffer
	err = r.confirmation.Execute(&buf, map[string]string{
		"Email": sub.Email,
		"Link":  r.ConfirmLink(sub.Token, sub.Email),
	})
	if err != nil {
		return "", "", fmt.Errorf("execute confirmation template: %w", err)
	}
	return confirmationSubject, strings.TrimSpace(buf.String()), nil
}

// ParseBroadcast parses a broadcast template loaded from a TemplateSource.
func (r *Renderer) ParseBroadcast(t Template) (*BroadcastTemplate, error) {
	if strings.TrimSpace(t.Content) == "" {
		return nil, errors.New("broadcast template is empty")
	}

	var (
		tmpl executor
		err  error
	)
	switch t.Format {
	case TemplateFormatMarkdown:
		tmpl, err = texttemplate.New(t.Name).Funcs(r.funcMap).Parse(t.Content)
	default:
		tmpl, err = htmltemplate.New(t.Name).Funcs(r.funcMap).Parse(t.Content)
	}
	if err != nil {
		return nil, fmt.Errorf("parse broadcast template %s: %w", t.Name, err)
	}

	return &BroadcastTemplate{name: t.Name, format: t.Format, tmpl: tmpl}, nil
}

// RenderBroadcast renders the broadcast body for one subscriber, unsubscribe link included.
func (r *Renderer) RenderBroadcast(bt *BroadcastTemplate, sub domain.Subscriber, now time.Time) (string, error) {
	now = now.In(r.location)
	data := BroadcastData{
		Email:      sub.Email,
		Now:        now,
		NextMonday: nextWeekday(now, time.Monday),
		NextFriday: nextWeekday(now, time.Friday),
	}

	var buf bytes.Buffer
	if err := bt.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute broadcast template %s: %w", bt.name, err)
	}

	if bt.format == TemplateFormatMarkdown {
		source := buf.Bytes()
		var html bytes.Buffer
		if err := r.markdown.Convert(source, &html); err != nil {
			return "", fmt.Errorf("convert markdown %s: %w", bt.name, err)
		}
		buf = html
	}

	if err := r.footer.Execute(&buf, map[string]string{
		"Link": r.UnsubscribeLink(sub.Token, sub.Email),
	}); err != nil {
		return "", fmt.Errorf("execute unsubscribe footer: %w", err)
	}

	return buf.String(), nil
}

// nextWeekday returns midnight of the next given weekday strictly after t.
func nextWeekday(t time.Time, day time.Weekday) time.Time {
	days := (int(day) - int(t.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	y, m, d := t.Date()
	return time.Date(y, m, d+days, 0, 0, 0, 0, t.Location())
}

// Template functions

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

func formatDate(layout string, t time.Time) string {
	return t.Format(layout)
}
