package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/calcrt/internal/plugin"
	"github.com/dshills/calcrt/internal/plugin/extension"
	"github.com/dshills/calcrt/internal/plugin/security"
)

// Script languages.
const (
	LanguageLua        = "lua"
	LanguageJavaScript = "javascript"
)

// Hook names a document may define.
const (
	HookLoad      = "load"
	HookStart     = "start"
	HookStop      = "stop"
	HookUnload    = "unload"
	HookCalculate = "calculate"
	HookValidate  = "validate"
	HookHealth    = "health"
)

// hookParams maps each hook to its single parameter name.
var hookParams = map[string]string{
	HookLoad:      "config",
	HookStart:     "config",
	HookStop:      "config",
	HookUnload:    "config",
	HookCalculate: "inputs",
	HookValidate:  "inputs",
	HookHealth:    "",
}

// Document is a declarative plugin definition. JSON documents use the same
// keys.
type Document struct {
	Namespace    string                 `yaml:"namespace"`
	ID           string                 `yaml:"id"`
	Name         string                 `yaml:"name"`
	Version      string                 `yaml:"version"`
	Description  string                 `yaml:"description"`
	Type         plugin.Type            `yaml:"type"`
	Dependencies []string               `yaml:"dependencies"`
	Permissions  security.PermissionSet `yaml:"permissions"`

	// Language is lua (default) or javascript.
	Language string `yaml:"language"`

	// Script is a chunk defining hook functions by name.
	Script string `yaml:"script"`

	// Hooks holds function bodies keyed by hook name. A body here
	// replaces a function of the same name defined in Script.
	Hooks map[string]string `yaml:"hooks"`

	// Form describes the input form for renderers.
	Form map[string]any `yaml:"form"`

	// InputsSchema is a JSON Schema the inputs must satisfy.
	InputsSchema map[string]any `yaml:"inputs_schema"`

	// Rules are CEL expressions over inputs that must hold.
	Rules []Rule `yaml:"rules"`

	ExtensionPoints []PointSpec     `yaml:"extension_points"`
	Extensions      []ExtensionSpec `yaml:"extensions"`
}

// Rule is one CEL check. A false or failing expression reports Message
// against Field.
type Rule struct {
	Field   string `yaml:"field"`
	Expr    string `yaml:"expr"`
	Message string `yaml:"message"`
}

// PointSpec declares an extension point.
type PointSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Cardinality string `yaml:"cardinality"` // single or multiple
	Required    bool   `yaml:"required"`
}

// ExtensionSpec contributes the plugin itself to a point.
type ExtensionSpec struct {
	Point    string `yaml:"point"`
	Priority int    `yaml:"priority"`
}

// ParseDocument decodes and checks a YAML or JSON document. Unknown keys
// are rejected.
func ParseDocument(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidDocument)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the parts of the document the manager does not: language,
// hooks, rules and extension specs.
func (d *Document) Validate() error {
	switch d.Language {
	case "":
		d.Language = LanguageLua
	case LanguageLua, LanguageJavaScript:
	default:
		return fmt.Errorf("%w: unsupported language %q", ErrInvalidDocument, d.Language)
	}
	if strings.TrimSpace(d.Script) == "" && len(d.Hooks) == 0 {
		return fmt.Errorf("%w: %s.%s defines no script or hooks", ErrInvalidDocument, d.Namespace, d.ID)
	}
	for name := range d.Hooks {
		if _, ok := hookParams[name]; !ok {
			return fmt.Errorf("%w: unknown hook %q", ErrInvalidDocument, name)
		}
	}
	for i, r := range d.Rules {
		if r.Field == "" || r.Expr == "" {
			return fmt.Errorf("%w: rule %d needs a field and an expr", ErrInvalidDocument, i)
		}
	}
	for _, p := range d.ExtensionPoints {
		if p.Name == "" {
			return fmt.Errorf("%w: extension point without a name", ErrInvalidDocument)
		}
		if _, err := parseCardinality(p.Cardinality); err != nil {
			return err
		}
	}
	for _, e := range d.Extensions {
		if e.Point == "" {
			return fmt.Errorf("%w: extension without a point", ErrInvalidDocument)
		}
	}
	return nil
}

// Metadata returns the plugin metadata the document declares.
func (d *Document) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Namespace:    d.Namespace,
		ID:           d.ID,
		Name:         d.Name,
		Version:      d.Version,
		Description:  d.Description,
		Type:         d.Type,
		Dependencies: append([]string(nil), d.Dependencies...),
		Permissions:  d.Permissions.Clone(),
	}
}

// Program returns the script followed by a function per hook body, in the
// document's language.
func (d *Document) Program() string {
	var b strings.Builder
	b.WriteString(d.Script)
	b.WriteString("\n")

	names := make([]string, 0, len(d.Hooks))
	for name := range d.Hooks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		param := hookParams[name]
		if d.Language == LanguageJavaScript {
			fmt.Fprintf(&b, "function %s(%s) {\n%s\n}\n", name, param, d.Hooks[name])
		} else {
			fmt.Fprintf(&b, "function %s(%s)\n%s\nend\n", name, param, d.Hooks[name])
		}
	}
	return b.String()
}

func parseCardinality(s string) (extension.Cardinality, error) {
	switch strings.ToLower(s) {
	case "", "multiple":
		return extension.Multiple, nil
	case "single":
		return extension.Single, nil
	default:
		return 0, fmt.Errorf("%w: unknown cardinality %q", ErrInvalidDocument, s)
	}
}
