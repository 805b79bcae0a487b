// Package web renders the challenge and error pages from embedded
// templates and serves the gate's static assets.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"

	"github.com/wickethq/wicket/lib/captcha"
)

//go:embed templates/*.html
var templates embed.FS

//go:embed static
var static embed.FS

// Static is the filesystem served under the gate's static path.
var Static fs.FS

var pages *template.Template

func init() {
	var err error

	Static, err = fs.Sub(static, "static")
	if err != nil {
		panic(fmt.Errorf("[unexpected] can't sub static fs: %w", err))
	}

	pages, err = template.ParseFS(templates, "templates/*.html")
	if err != nil {
		panic(fmt.Errorf("[unexpected] can't parse templates: %w", err))
	}
}

// ChallengePage is everything the challenge template needs. Glyphs carry the
// per-character jitter the generator suggested.
type ChallengePage struct {
	Glyphs       []captcha.Glyph
	Error        string
	SubmitPath   string
	StaticPrefix string
	Version      string
}

func Challenge(w io.Writer, page ChallengePage) error {
	return pages.ExecuteTemplate(w, "challenge.html", page)
}

// ErrorPage is everything the error template needs.
type ErrorPage struct {
	Message      string
	Email        string
	StaticPrefix string
	Version      string
}

func Error(w io.Writer, page ErrorPage) error {
	return pages.ExecuteTemplate(w, "error.html", page)
}
