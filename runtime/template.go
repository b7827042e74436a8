package runtime

import "github.com/MinLL/inja/parser"

// Template is a parsed, immutable template.
type Template = parser.Template

// TemplateStorage is a named template store. Instances published to renders
// are read-only; the environment clones before mutating.
type TemplateStorage map[string]*Template

// NewTemplateStorage returns an empty store.
func NewTemplateStorage() TemplateStorage {
	return make(TemplateStorage)
}

// Clone returns a copy for copy-on-write publication.
func (s TemplateStorage) Clone() TemplateStorage {
	c := make(TemplateStorage, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Lookup implements parser.TemplateLookup.
func (s TemplateStorage) Lookup(name string) (*Template, bool) {
	t, ok := s[name]
	return t, ok
}
