package binpattern

import (
	"fmt"
)

// Endian is the byte order a pattern was read with.
type Endian int

const (
	LittleEndian Endian = iota
	BigEndian
)

func (e Endian) String() string {
	if e == BigEndian {
		return "be"
	}
	return "le"
}

// Position is an absolute bit offset into the source buffer, split into a
// byte offset and a bit offset within that byte. Positions are only ever
// compared through their total bit count; the read direction is tracked
// separately by the evaluator's reversed flag.
type Position struct {
	Byte uint64
	Bit  uint8
}

// TotalBits returns the absolute bit offset this position represents.
func (p Position) TotalBits() uint64 {
	return p.Byte*8 + uint64(p.Bit)
}

// PositionFromBits builds a Position from an absolute bit offset.
func PositionFromBits(bits uint64) Position {
	return Position{Byte: bits / 8, Bit: uint8(bits % 8)}
}

func (p Position) String() string {
	return fmt.Sprintf("%d.%d", p.Byte, p.Bit)
}

// PatternKind tags the concrete shape of a Pattern. Consumers match on the
// kind instead of inspecting concrete types.
type PatternKind int

const (
	KindStruct PatternKind = iota
	KindScalar
	KindString
	KindBitfield
	KindBitfieldMember
)

func (k PatternKind) String() string {
	switch k {
	case KindStruct:
		return "struct"
	case KindScalar:
		return "scalar"
	case KindString:
		return "string"
	case KindBitfield:
		return "bitfield"
	case KindBitfieldMember:
		return "bitfield_member"
	}
	return "unknown"
}

// Pattern is one node of the pattern tree produced by evaluating a template
// against a buffer. It records where a region starts, how many bits it
// covers and what it decomposes into.
type Pattern interface {
	Kind() PatternKind
	Name() string
	Start() Position
	BitSize() uint64
}

// decorations carries display attributes applied through type-level
// attributes (comment, name, hidden, color). Embedded by every pattern.
type decorations struct {
	comment     string
	displayName string
	color       string
	hidden      bool
}

func (d *decorations) Comment() string     { return d.comment }
func (d *decorations) DisplayName() string { return d.displayName }
func (d *decorations) Color() string       { return d.color }
func (d *decorations) Hidden() bool        { return d.hidden }

func (d *decorations) setComment(s string)     { d.comment = s }
func (d *decorations) setDisplayName(s string) { d.displayName = s }
func (d *decorations) setColor(s string)       { d.color = s }
func (d *decorations) setHidden()              { d.hidden = true }

// decorated is satisfied by every pattern through the embedded decorations.
type decorated interface {
	setComment(string)
	setDisplayName(string)
	setColor(string)
	setHidden()
}

// BitfieldPattern describes how a contiguous bit region decomposes into
// named sub-byte fields. Its bit size is either the measured traversal
// distance or the fixed size declared through the bitfield_order attribute.
type BitfieldPattern struct {
	decorations
	name     string
	start    Position
	bitSize  uint64
	endian   Endian
	reversed bool
	section  int
	fields   []Pattern
}

// NewBitfieldPattern creates an empty bitfield pattern at the given start
// position. Size and fields are filled in during evaluation.
func NewBitfieldPattern(name string, start Position, endian Endian, section int) *BitfieldPattern {
	return &BitfieldPattern{
		name:    name,
		start:   start,
		endian:  endian,
		section: section,
	}
}

func (p *BitfieldPattern) Kind() PatternKind { return KindBitfield }
func (p *BitfieldPattern) Name() string      { return p.name }
func (p *BitfieldPattern) Start() Position   { return p.start }
func (p *BitfieldPattern) BitSize() uint64   { return p.bitSize }
func (p *BitfieldPattern) Endian() Endian    { return p.endian }
func (p *BitfieldPattern) Reversed() bool    { return p.reversed }
func (p *BitfieldPattern) Section() int      { return p.section }

// Fields returns the visible member patterns in declaration order. Padding
// members are excluded but still counted toward the bit size.
func (p *BitfieldPattern) Fields() []Pattern { return p.fields }

func (p *BitfieldPattern) SetBitSize(bits uint64)     { p.bitSize = bits }
func (p *BitfieldPattern) SetReversed(reversed bool)  { p.reversed = reversed }
func (p *BitfieldPattern) SetFields(fields []Pattern) { p.fields = fields }
func (p *BitfieldPattern) setName(name string)        { p.name = name }

// BitfieldMemberPattern is one field inside a bitfield: a value placeholder,
// its bit size and a padding flag. The parent reference is a relation back
// to the owning bitfield, not ownership.
type BitfieldMemberPattern struct {
	decorations
	name    string
	start   Position
	bitSize uint64
	value   uint64
	padding bool
	parent  *BitfieldPattern
}

func NewBitfieldMemberPattern(name string, start Position, bitSize uint64, value uint64, padding bool) *BitfieldMemberPattern {
	return &BitfieldMemberPattern{
		name:    name,
		start:   start,
		bitSize: bitSize,
		value:   value,
		padding: padding,
	}
}

func (p *BitfieldMemberPattern) Kind() PatternKind { return KindBitfieldMember }
func (p *BitfieldMemberPattern) Name() string      { return p.name }
func (p *BitfieldMemberPattern) Start() Position   { return p.start }
func (p *BitfieldMemberPattern) BitSize() uint64   { return p.bitSize }
func (p *BitfieldMemberPattern) Value() uint64     { return p.value }
func (p *BitfieldMemberPattern) IsPadding() bool   { return p.padding }

func (p *BitfieldMemberPattern) Parent() *BitfieldPattern          { return p.parent }
func (p *BitfieldMemberPattern) SetParent(parent *BitfieldPattern) { p.parent = parent }

// StructPattern groups the member patterns of a struct type.
type StructPattern struct {
	decorations
	name    string
	start   Position
	bitSize uint64
	section int
	members []Pattern
}

func NewStructPattern(name string, start Position, section int) *StructPattern {
	return &StructPattern{name: name, start: start, section: section}
}

func (p *StructPattern) Kind() PatternKind  { return KindStruct }
func (p *StructPattern) Name() string       { return p.name }
func (p *StructPattern) Start() Position    { return p.start }
func (p *StructPattern) BitSize() uint64    { return p.bitSize }
func (p *StructPattern) Section() int       { return p.section }
func (p *StructPattern) Members() []Pattern { return p.members }

func (p *StructPattern) SetBitSize(bits uint64)       { p.bitSize = bits }
func (p *StructPattern) SetMembers(members []Pattern) { p.members = members }

// ScalarPattern is a byte-aligned integer or float field.
type ScalarPattern struct {
	decorations
	name     string
	start    Position
	bitSize  uint64
	typeName string
	endian   Endian
	value    any
}

func NewScalarPattern(name string, start Position, bitSize uint64, typeName string, endian Endian, value any) *ScalarPattern {
	return &ScalarPattern{
		name:     name,
		start:    start,
		bitSize:  bitSize,
		typeName: typeName,
		endian:   endian,
		value:    value,
	}
}

func (p *ScalarPattern) Kind() PatternKind { return KindScalar }
func (p *ScalarPattern) Name() string      { return p.name }
func (p *ScalarPattern) Start() Position   { return p.start }
func (p *ScalarPattern) BitSize() uint64   { return p.bitSize }
func (p *ScalarPattern) TypeName() string  { return p.typeName }
func (p *ScalarPattern) Endian() Endian    { return p.endian }
func (p *ScalarPattern) Value() any        { return p.value }

// StringPattern is a byte-aligned string field decoded with a named encoding.
type StringPattern struct {
	decorations
	name     string
	start    Position
	bitSize  uint64
	encoding string
	value    string
	raw      []byte
}

func NewStringPattern(name string, start Position, raw []byte, value string, encoding string) *StringPattern {
	return &StringPattern{
		name:     name,
		start:    start,
		bitSize:  uint64(len(raw)) * 8,
		encoding: encoding,
		value:    value,
		raw:      raw,
	}
}

func (p *StringPattern) Kind() PatternKind { return KindString }
func (p *StringPattern) Name() string      { return p.name }
func (p *StringPattern) Start() Position   { return p.start }
func (p *StringPattern) BitSize() uint64   { return p.bitSize }
func (p *StringPattern) Encoding() string  { return p.encoding }
func (p *StringPattern) Value() string     { return p.value }
func (p *StringPattern) Raw() []byte       { return p.raw }
