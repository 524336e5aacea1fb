// Package template renders outbound message texts from a static catalog.
package template

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// DefaultLanguage selects the catalog section used when loading files.
const DefaultLanguage = "de"

var (
	//go:embed catalog_de.json
	defaultCatalog []byte

	// ErrNotFound is returned when a template key is absent from the catalog.
	ErrNotFound = errors.New("template not found")
)

// MessageTemplate is one catalog entry.
type MessageTemplate struct {
	Key       string   `json:"-"`
	Template  string   `json:"template"`
	Variables []string `json:"variables"`
}

// Catalog is an immutable key to template mapping.
type Catalog struct {
	entries map[string]MessageTemplate
}

// NewCatalog copies entries into an immutable catalog.
func NewCatalog(entries map[string]MessageTemplate) *Catalog {
	c := &Catalog{entries: make(map[string]MessageTemplate, len(entries))}
	for key, e := range entries {
		e.Key = key
		e.Variables = append([]string(nil), e.Variables...)
		c.entries[key] = e
	}
	return c
}

// DefaultCatalog returns the built-in German catalog.
func DefaultCatalog() *Catalog {
	c, err := parseCatalog(defaultCatalog, DefaultLanguage)
	if err != nil {
		panic(fmt.Sprintf("template: embedded catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a JSON catalog of the form {"<lang>": {"<key>": {...}}}.
func LoadCatalog(path, language string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("template: read catalog: %w", err)
	}
	return parseCatalog(raw, language)
}

func parseCatalog(raw []byte, language string) (*Catalog, error) {
	if language == "" {
		language = DefaultLanguage
	}
	var doc map[string]map[string]MessageTemplate
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("template: decode catalog: %w", err)
	}
	entries, ok := doc[language]
	if !ok {
		return nil, fmt.Errorf("template: catalog has no %q section", language)
	}
	return NewCatalog(entries), nil
}

// Lookup returns the template stored under key.
func (c *Catalog) Lookup(key string) (MessageTemplate, bool) {
	e, ok := c.entries[key]
	if !ok {
		return MessageTemplate{}, false
	}
	e.Variables = append([]string(nil), e.Variables...)
	return e, true
}

// Keys lists the catalog keys in sorted order.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
