// Package i18n serves the UI translation tables and maps requested language codes onto
// the supported set.
package i18n

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// Fallback is used for unknown languages and missing keys.
const Fallback = "en"

// Catalog holds every loaded translation table. It is read-only after Load.
type Catalog struct {
	tables  map[string]map[string]string
	tags    []language.Tag
	codes   []string
	matcher language.Matcher
}

// Load parses the embedded locale files.
func Load() (*Catalog, error) {
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read locales: %w", err)
	}
	c := &Catalog{tables: make(map[string]map[string]string)}
	for _, e := range entries {
		code := strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		raw, err := localeFS.ReadFile(path.Join("locales", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read locale %s: %w", code, err)
		}
		table := make(map[string]string)
		if err := yaml.Unmarshal(raw, &table); err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", code, err)
		}
		c.tables[code] = table
		c.codes = append(c.codes, code)
	}
	if _, ok := c.tables[Fallback]; !ok {
		return nil, fmt.Errorf("fallback locale %q missing", Fallback)
	}

	// The fallback must be first so the matcher prefers it when nothing matches.
	sort.Slice(c.codes, func(i, j int) bool {
		if c.codes[i] == Fallback || c.codes[j] == Fallback {
			return c.codes[i] == Fallback
		}
		return c.codes[i] < c.codes[j]
	})
	for _, code := range c.codes {
		c.tags = append(c.tags, language.Make(code))
	}
	c.matcher = language.NewMatcher(c.tags)
	return c, nil
}

// MustLoad is Load for package initialization and tests.
func MustLoad() *Catalog {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}

// Languages returns the supported codes, fallback first.
func (c *Catalog) Languages() []string {
	return append([]string(nil), c.codes...)
}

// Match maps a requested code or Accept-Language value ("hi-IN", "es;q=0.9") to a supported code.
func (c *Catalog) Match(requested string) string {
	tags, _, err := language.ParseAcceptLanguage(requested)
	if err != nil || len(tags) == 0 {
		return Fallback
	}
	_, idx, conf := c.matcher.Match(tags...)
	if conf == language.No {
		return Fallback
	}
	return c.codes[idx]
}

// Supported reports whether code names a loaded table exactly.
func (c *Catalog) Supported(code string) bool {
	_, ok := c.tables[code]
	return ok
}

// Table returns a copy of the full table for code, filled from the fallback for missing keys.
func (c *Catalog) Table(code string) map[string]string {
	out := make(map[string]string, len(c.tables[Fallback]))
	for k, v := range c.tables[Fallback] {
		out[k] = v
	}
	for k, v := range c.tables[c.Match(code)] {
		out[k] = v
	}
	return out
}

// Translator returns the lookup function for one language.
func (c *Catalog) Translator(code string) Translator {
	code = c.Match(code)
	return Translator{code: code, table: c.tables[code], fallback: c.tables[Fallback]}
}

// Translator is a t(key) for a fixed language. The zero value returns keys unchanged.
type Translator struct {
	code     string
	table    map[string]string
	fallback map[string]string
}

// Language returns the resolved language code.
func (t Translator) Language() string { return t.code }

// T returns the localized string for key, the English string if the language lacks it,
// or the key itself.
func (t Translator) T(key string) string {
	if v, ok := t.table[key]; ok {
		return v
	}
	if v, ok := t.fallback[key]; ok {
		return v
	}
	return key
}

// DisplayName returns the English name of a language ("hi" -> "Hindi") for model prompts.
func DisplayName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}
