package dispatch

import (
	"fmt"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer renders campaign message bodies with Liquid, substituting
// recipient fields. Compiled templates are cached by source text.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a template renderer with the engine filters
// registered.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}

	// {{ first_name | default: "there" }} — fall back when a recipient
	// field is missing or empty.
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	return r
}

// Render substitutes recipient fields into the template. Missing fields
// render empty (lax mode) so a sparse contact record never blocks a send;
// templates use the default filter for fallbacks.
func (r *Renderer) Render(template string, fields map[string]any) (string, error) {
	if template == "" {
		return "", fmt.Errorf("empty message template")
	}

	var tmpl *liquid.Template
	if cached, ok := r.cache.Load(template); ok {
		tmpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(template)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		r.cache.Store(template, parsed)
		tmpl = parsed
	}

	out, err := tmpl.RenderString(fields)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
