package binpattern

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Compiler turns a template schema into an evaluable node tree. Type and
// bitfield references are resolved at compile time, so evaluation never
// consults the schema again.
type Compiler struct {
	schema    *TemplateSchema
	typeStack []string
	logger    *slog.Logger
}

// NewCompiler creates a compiler for the given schema. The logger may be
// nil, in which case slog.Default() is used.
func NewCompiler(schema *TemplateSchema, logger *slog.Logger) *Compiler {
	log := logger
	if log == nil {
		log = slog.Default()
	}
	return &Compiler{schema: schema, logger: log}
}

// Compile builds the root struct node from the schema's top-level sequence.
func (c *Compiler) Compile() (*StructNode, error) {
	root := &StructNode{TypeName: c.schema.Meta.ID}
	for i, def := range c.schema.Seq {
		node, err := c.compileEntry(def)
		if err != nil {
			return nil, fmt.Errorf("compiling root entry %d (%q): %w", i, def.ID, err)
		}
		root.Entries = append(root.Entries, node)
	}
	return root, nil
}

// compileEntry resolves one struct-sequence member.
func (c *Compiler) compileEntry(def EntryDef) (Node, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("entry is missing an id")
	}

	switch {
	case def.Type == "str":
		if def.Size == "" {
			return nil, fmt.Errorf("string field %q needs a size expression", def.ID)
		}
		enc := def.Encoding
		if enc == "" {
			enc = c.schema.Meta.Encoding
		}
		return &StringFieldNode{ID: def.ID, SizeExpr: def.Size, Encoding: enc}, nil

	case isScalarType(def.Type):
		return &ScalarFieldNode{ID: def.ID, TypeName: def.Type}, nil
	}

	if bfDef, ok := c.schema.Bitfields[def.Type]; ok {
		bitfield, err := c.compileBitfield(def.Type, bfDef)
		if err != nil {
			return nil, err
		}
		// The instance carries the field's name, not the type's.
		bitfield.TypeName = def.ID
		return bitfield, nil
	}

	if typeDef, ok := c.schema.Types[def.Type]; ok {
		return c.compileStruct(def.ID, def.Type, typeDef)
	}

	return nil, fmt.Errorf("unknown type %q", def.Type)
}

func (c *Compiler) compileStruct(id, typeName string, def TypeDef) (Node, error) {
	if slices.Contains(c.typeStack, typeName) {
		return nil, fmt.Errorf("circular type dependency: %s", strings.Join(append(c.typeStack, typeName), " -> "))
	}
	c.typeStack = append(c.typeStack, typeName)
	defer func() { c.typeStack = c.typeStack[:len(c.typeStack)-1] }()

	node := &StructNode{TypeName: id}
	for i, entryDef := range def.Seq {
		entry, err := c.compileEntry(entryDef)
		if err != nil {
			return nil, fmt.Errorf("compiling entry %d (%q) of type %q: %w", i, entryDef.ID, typeName, err)
		}
		node.Entries = append(node.Entries, entry)
	}
	return node, nil
}

// compileBitfield resolves a bitfield declaration into its node, including
// nested bitfield references.
func (c *Compiler) compileBitfield(typeName string, def BitfieldDef) (*BitfieldNode, error) {
	if slices.Contains(c.typeStack, typeName) {
		return nil, fmt.Errorf("circular bitfield dependency: %s", strings.Join(append(c.typeStack, typeName), " -> "))
	}
	c.typeStack = append(c.typeStack, typeName)
	defer func() { c.typeStack = c.typeStack[:len(c.typeStack)-1] }()

	attrs := make(AttributeSet, len(def.Attrs))
	for name, args := range def.Attrs {
		attrs[name] = []string(args)
	}

	node := NewBitfieldNode(typeName, attrs)
	for i, entryDef := range def.Entries {
		entry, err := c.compileBitfieldEntry(entryDef)
		if err != nil {
			return nil, fmt.Errorf("compiling entry %d of bitfield %q: %w", i, typeName, err)
		}
		node.AddEntry(entry)
	}
	return node, nil
}

func (c *Compiler) compileBitfieldEntry(def BitfieldEntryDef) (Node, error) {
	base, err := c.compileBitfieldEntryBase(def)
	if err != nil {
		return nil, err
	}

	if def.Repeat != "" {
		base = &RepeatEntry{CountExpr: def.Repeat, Body: base}
	}

	// A condition on a regular entry guards it; then/else branches are
	// only valid on a bare conditional.
	if def.If != "" && def.Do == "" && len(def.Then) == 0 && len(def.Else) == 0 {
		return &ConditionalEntry{Cond: def.If, Then: []Node{base}}, nil
	}
	return base, nil
}

func (c *Compiler) compileBitfieldEntryBase(def BitfieldEntryDef) (Node, error) {
	switch {
	case def.Do != "":
		var signal ControlFlow
		switch def.Do {
		case "return":
			signal = ControlReturn
		case "break":
			signal = ControlBreak
		case "continue":
			signal = ControlContinue
		default:
			return nil, fmt.Errorf("unknown control statement %q", def.Do)
		}
		stmt := &ControlFlowEntry{Signal: signal}
		if def.If != "" {
			return &ConditionalEntry{Cond: def.If, Then: []Node{stmt}}, nil
		}
		return stmt, nil

	case len(def.Then) > 0 || len(def.Else) > 0:
		if def.If == "" {
			return nil, fmt.Errorf("then/else branches need an if condition")
		}
		cond := &ConditionalEntry{Cond: def.If}
		for i, inner := range def.Then {
			node, err := c.compileBitfieldEntry(inner)
			if err != nil {
				return nil, fmt.Errorf("compiling then branch entry %d: %w", i, err)
			}
			cond.Then = append(cond.Then, node)
		}
		for i, inner := range def.Else {
			node, err := c.compileBitfieldEntry(inner)
			if err != nil {
				return nil, fmt.Errorf("compiling else branch entry %d: %w", i, err)
			}
			cond.Else = append(cond.Else, node)
		}
		return cond, nil

	case def.Bitfield != "":
		innerDef, ok := c.schema.Bitfields[def.Bitfield]
		if !ok {
			return nil, fmt.Errorf("unknown bitfield %q", def.Bitfield)
		}
		inner, err := c.compileBitfield(def.Bitfield, innerDef)
		if err != nil {
			return nil, err
		}
		id := def.ID
		if id == "" {
			id = def.Bitfield
		}
		return &NestedBitfieldEntry{ID: id, Bitfield: inner}, nil

	case def.Bits != "":
		if def.ID == "" && !def.Padding {
			return nil, fmt.Errorf("bit field without an id must be marked padding")
		}
		return &BitFieldEntry{ID: def.ID, BitsExpr: def.Bits, Padding: def.Padding}, nil
	}

	return nil, fmt.Errorf("entry declares none of bits, bitfield, do or then/else")
}

func isScalarType(name string) bool {
	_, _, err := scalarReader(name, LittleEndian)
	return err == nil
}
