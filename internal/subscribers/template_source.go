package subscribers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// TemplateFormat tells the renderer how to interpret a broadcast template.
type TemplateFormat string

// Template formats.
const (
	TemplateFormatHTML     TemplateFormat = "html"
	TemplateFormatMarkdown TemplateFormat = "markdown"
)

const maxTemplateSize = 1 << 20

// Template is raw broadcast template content.
type Template struct {
	Name    string
	Format  TemplateFormat
	Content string
}

// TemplateSource loads the broadcast template. It is called on every dispatch.
type TemplateSource interface {
	Load(ctx context.Context) (Template, error)
}

// NewTemplateSource returns a source for a local path or an http(s) URL.
func NewTemplateSource(location string) TemplateSource {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return &URLSource{
			URL:    location,
			Client: &http.Client{Timeout: 10 * time.Second},
		}
	}
	return &FileSource{Path: location}
}

// FileSource reads the template from the local filesystem.
type FileSource struct {
	Path string
}

// Load reads the template file.
func (s *FileSource) Load(_ context.Context) (Template, error) {
	content, err := os.ReadFile(s.Path)
	if err != nil {
		return Template{}, fmt.Errorf("read template %s: %w", s.Path, err)
	}
	return Template{
		Name:    filepath.Base(s.Path),
		Format:  formatFromName(s.Path),
		Content: string(content),
	}, nil
}

// URLSource fetches the template over HTTP.
type URLSource struct {
	URL    string
	Client *http.Client
}

// Load downloads the template.
func (s *URLSource) Load(ctx context.Context) (Template, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return Template{}, fmt.Errorf("create template request: %w", err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return Template{}, fmt.Errorf("fetch template: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Template{}, fmt.Errorf("fetch template: unexpected status %d", resp.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxTemplateSize))
	if err != nil {
		return Template{}, fmt.Errorf("read template body: %w", err)
	}

	name := path.Base(req.URL.Path)
	format := formatFromName(name)
	if strings.Contains(resp.Header.Get("Content-Type"), "markdown") {
		format = TemplateFormatMarkdown
	}

	return Template{
		Name:    name,
		Format:  format,
		Content: string(content),
	}, nil
}

func formatFromName(name string) TemplateFormat {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return TemplateFormatMarkdown
	default:
		return TemplateFormatHTML
	}
}
