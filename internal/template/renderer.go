package template

import (
	"fmt"
	"regexp"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Renderer resolves catalog templates against variable maps.
type Renderer struct {
	catalog *Catalog
}

// NewRenderer binds a renderer to catalog.
func NewRenderer(catalog *Catalog) *Renderer {
	return &Renderer{catalog: catalog}
}

// Catalog exposes the bound catalog.
func (r *Renderer) Catalog() *Catalog {
	return r.catalog
}

// Render substitutes every {name} placeholder of the template stored under
// key. Placeholders without a value render as the empty string.
func (r *Renderer) Render(key string, vars map[string]string) (string, error) {
	tpl, ok := r.catalog.Lookup(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return placeholder.ReplaceAllStringFunc(tpl.Template, func(m string) string {
		return vars[m[1:len(m)-1]]
	}), nil
}

// Missing lists declared variables of key that vars leaves unset.
func (r *Renderer) Missing(key string, vars map[string]string) []string {
	tpl, ok := r.catalog.Lookup(key)
	if !ok {
		return nil
	}
	var missing []string
	for _, v := range tpl.Variables {
		if vars[v] == "" {
			missing = append(missing, v)
		}
	}
	return missing
}
