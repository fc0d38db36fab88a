package binpattern

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TemplateSchema is a parsed binpat template file: a root sequence of
// members plus named struct types and bitfield declarations.
type TemplateSchema struct {
	Meta      Meta                   `yaml:"meta"`
	Seq       []EntryDef             `yaml:"seq"`
	Types     map[string]TypeDef     `yaml:"types"`
	Bitfields map[string]BitfieldDef `yaml:"bitfields"`
}

// Meta carries template-wide settings.
type Meta struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Endian   string `yaml:"endian"`   // "le" (default) or "be"
	Encoding string `yaml:"encoding"` // default string encoding
	Section  int    `yaml:"section"`
}

// TypeDef defines a named struct type.
type TypeDef struct {
	Seq []EntryDef `yaml:"seq"`
	Doc string     `yaml:"doc"`
}

// EntryDef is one member of a struct sequence: a scalar, a string, a
// reference to a named struct type, or a reference to a bitfield.
type EntryDef struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Size     string `yaml:"size,omitempty"`
	Encoding string `yaml:"encoding,omitempty"`
	Doc      string `yaml:"doc,omitempty"`
}

// BitfieldDef defines a named bitfield: attributes plus ordered entries.
type BitfieldDef struct {
	Attrs   map[string]AttributeArgs `yaml:"attrs"`
	Entries []BitfieldEntryDef       `yaml:"entries"`
	Doc     string                   `yaml:"doc"`
}

// BitfieldEntryDef is one entry of a bitfield body. Exactly one of the
// entry shapes applies: a bit field (bits), a nested bitfield (bitfield),
// a control statement (do), or a bare conditional (if with then/else).
// repeat wraps the entry in a fixed-count repetition, if guards it.
type BitfieldEntryDef struct {
	ID       string             `yaml:"id,omitempty"`
	Bits     string             `yaml:"bits,omitempty"`
	Padding  bool               `yaml:"padding,omitempty"`
	Bitfield string             `yaml:"bitfield,omitempty"`
	Do       string             `yaml:"do,omitempty"` // return | break | continue
	If       string             `yaml:"if,omitempty"`
	Then     []BitfieldEntryDef `yaml:"then,omitempty"`
	Else     []BitfieldEntryDef `yaml:"else,omitempty"`
	Repeat   string             `yaml:"repeat,omitempty"`
	Doc      string             `yaml:"doc,omitempty"`
}

// AttributeArgs is an attribute's argument expression list. In YAML it may
// be written as a single scalar or as a list of scalars.
type AttributeArgs []string

// UnmarshalYAML accepts both `attr: "expr"` and `attr: ["a", "b"]`.
func (a *AttributeArgs) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*a = nil
			return nil
		}
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*a = AttributeArgs{single}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*a = AttributeArgs(list)
		return nil
	}
	return fmt.Errorf("attribute arguments must be a scalar or a list, got yaml kind %d", value.Kind)
}

// NewTemplateSchemaFromYAML parses a template from YAML bytes.
func NewTemplateSchemaFromYAML(data []byte) (*TemplateSchema, error) {
	schema := &TemplateSchema{}
	if err := yaml.Unmarshal(data, schema); err != nil {
		return nil, fmt.Errorf("parsing template YAML: %w", err)
	}
	if schema.Meta.ID == "" {
		return nil, fmt.Errorf("template is missing meta.id")
	}
	switch schema.Meta.Endian {
	case "", "le", "be":
	default:
		return nil, fmt.Errorf("invalid meta.endian %q, expected \"le\" or \"be\"", schema.Meta.Endian)
	}
	return schema, nil
}

// Endianness resolves the template's byte order, defaulting to little.
func (s *TemplateSchema) Endianness() Endian {
	if s.Meta.Endian == "be" {
		return BigEndian
	}
	return LittleEndian
}
