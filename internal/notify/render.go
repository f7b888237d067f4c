package notify

import (
	"embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"
)

//go:embed templates/*.liquid
var templateFS embed.FS

// TemplateKind selects which message is rendered.
type TemplateKind string

const (
	KindWelcome TemplateKind = "welcome"
	KindLaunch  TemplateKind = "launch"
	// KindCustom renders caller-provided Liquid sources passed in the data
	// map under CustomSubject, CustomHTML and CustomText.
	KindCustom TemplateKind = "custom"
)

// Data keys carrying the sources of a custom message.
const (
	CustomSubject = "subject_template"
	CustomHTML    = "html_template"
	CustomText    = "text_template"
)

// Valid reports whether k is a known kind.
func (k TemplateKind) Valid() bool {
	switch k {
	case KindWelcome, KindLaunch, KindCustom:
		return true
	}
	return false
}

// Message is a rendered email.
type Message struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer turns a template kind plus bindings into a Message. Built-in
// kinds are parsed once and cached; custom sources are parsed per call.
type Renderer struct {
	engine   *liquid.Engine
	defaults map[string]any

	mu    sync.Mutex
	cache map[string]*liquid.Template
}

// NewRenderer creates a renderer. brand and siteURL are bound into every
// template; data passed to Render overrides them.
func NewRenderer(brand, siteURL string) *Renderer {
	engine := liquid.NewEngine()

	// Mask email for display: {{ email | mask_email }}
	engine.RegisterFilter("mask_email", func(email string) string {
		local, domain, ok := strings.Cut(email, "@")
		if !ok {
			return email
		}
		if len(local) <= 2 {
			return local + "***@" + domain
		}
		return local[:2] + "***@" + domain
	})

	siteURL = strings.TrimRight(siteURL, "/")
	return &Renderer{
		engine: engine,
		defaults: map[string]any{
			"brand":         brand,
			"site_url":      siteURL,
			"campaign_url":  siteURL,
			"launch_date":   "",
			"discount_code": "",
		},
		cache: make(map[string]*liquid.Template),
	}
}

// Render produces the message for kind.
func (r *Renderer) Render(kind TemplateKind, data map[string]any) (*Message, error) {
	bindings := make(map[string]any, len(r.defaults)+len(data)+1)
	for k, v := range r.defaults {
		bindings[k] = v
	}
	bindings["year"] = time.Now().Year()
	for k, v := range data {
		bindings[k] = v
	}

	if kind == KindCustom {
		return r.renderCustom(bindings)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown template kind %q", kind)
	}

	var msg Message
	for _, part := range []struct {
		name string
		dst  *string
	}{
		{"subject", &msg.Subject},
		{"html", &msg.HTML},
		{"text", &msg.Text},
	} {
		tpl, err := r.builtin(string(kind) + "." + part.name)
		if err != nil {
			return nil, err
		}
		out, err := tpl.RenderString(bindings)
		if err != nil {
			return nil, fmt.Errorf("render %s %s: %w", kind, part.name, err)
		}
		*part.dst = out
	}
	msg.Subject = strings.TrimSpace(msg.Subject)
	return &msg, nil
}

func (r *Renderer) renderCustom(bindings map[string]any) (*Message, error) {
	subjectSrc, _ := bindings[CustomSubject].(string)
	htmlSrc, _ := bindings[CustomHTML].(string)
	textSrc, _ := bindings[CustomText].(string)
	if strings.TrimSpace(subjectSrc) == "" || strings.TrimSpace(htmlSrc) == "" {
		return nil, ErrMissingTemplate
	}

	var msg Message
	var err error
	if msg.Subject, err = r.engine.ParseAndRenderString(subjectSrc, bindings); err != nil {
		return nil, fmt.Errorf("render custom subject: %w", err)
	}
	if msg.HTML, err = r.engine.ParseAndRenderString(htmlSrc, bindings); err != nil {
		return nil, fmt.Errorf("render custom html: %w", err)
	}
	if textSrc != "" {
		if msg.Text, err = r.engine.ParseAndRenderString(textSrc, bindings); err != nil {
			return nil, fmt.Errorf("render custom text: %w", err)
		}
	}
	msg.Subject = strings.TrimSpace(msg.Subject)
	return &msg, nil
}

// Validate parses custom sources without rendering them.
func (r *Renderer) Validate(sources ...string) error {
	for _, src := range sources {
		if _, err := r.engine.ParseString(src); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) builtin(name string) (*liquid.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tpl, ok := r.cache[name]; ok {
		return tpl, nil
	}
	src, err := templateFS.ReadFile("templates/" + name + ".liquid")
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", name, err)
	}
	tpl, err := r.engine.ParseTemplate(src)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	r.cache[name] = tpl
	return tpl, nil
}
