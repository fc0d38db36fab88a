package binpattern

import (
	"context"
	"fmt"
)

// Node is anything evaluable inside a template: it consumes bits through
// the shared evaluator and yields zero or more patterns. Clone produces a
// deep copy sharing no mutable state with the original.
type Node interface {
	CreatePatterns(ctx context.Context, ev *Evaluator) ([]Pattern, error)
	Clone() Node
}

// nodeLabel names a node for diagnostics.
func nodeLabel(n Node) string {
	switch e := n.(type) {
	case *BitFieldEntry:
		if e.Padding {
			return "padding field"
		}
		return fmt.Sprintf("field '%s'", e.ID)
	case *NestedBitfieldEntry:
		return fmt.Sprintf("nested bitfield '%s'", e.ID)
	case *BitfieldNode:
		return fmt.Sprintf("bitfield '%s'", e.TypeName)
	case *ConditionalEntry:
		return "conditional entry"
	case *ControlFlowEntry:
		return fmt.Sprintf("'%s' statement", e.Signal)
	case *RepeatEntry:
		return "repeated entry"
	case *StructNode:
		return fmt.Sprintf("struct '%s'", e.TypeName)
	case *ScalarFieldNode:
		return fmt.Sprintf("field '%s'", e.ID)
	case *StringFieldNode:
		return fmt.Sprintf("field '%s'", e.ID)
	}
	return "entry"
}

// cloneNodes deep-copies a node slice.
func cloneNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}

// BitFieldEntry is a single named field inside a bitfield: it consumes a
// number of bits given by an expression and yields one member pattern.
// Padding entries consume bits without appearing in the visible field list.
type BitFieldEntry struct {
	ID       string
	BitsExpr string
	Padding  bool
}

func (e *BitFieldEntry) CreatePatterns(ctx context.Context, ev *Evaluator) ([]Pattern, error) {
	bits, err := ev.EvaluateInt(ctx, e.BitsExpr)
	if err != nil {
		return nil, err
	}
	if bits < 1 || bits > 64 {
		return nil, failf(CodeBadExpression, nodeLabel(e), "bit count must be between 1 and 64, got %d", bits)
	}

	before := ev.BitPosition()
	value, err := ev.ReadBits(uint64(bits))
	if err != nil {
		return nil, err
	}
	after := ev.BitPosition()

	// The member starts at whichever end of the consumed range is lower.
	start := before
	if after.TotalBits() < before.TotalBits() {
		start = after
	}

	member := NewBitfieldMemberPattern(e.ID, start, uint64(bits), value, e.Padding)
	return []Pattern{member}, nil
}

func (e *BitFieldEntry) Clone() Node {
	clone := *e
	return &clone
}

// NestedBitfieldEntry embeds one bitfield inside another under a field name.
type NestedBitfieldEntry struct {
	ID       string
	Bitfield *BitfieldNode
}

func (e *NestedBitfieldEntry) CreatePatterns(ctx context.Context, ev *Evaluator) ([]Pattern, error) {
	patterns, err := e.Bitfield.CreatePatterns(ctx, ev)
	if err != nil {
		return nil, err
	}
	for _, p := range patterns {
		if p.Kind() == KindBitfield {
			p.(*BitfieldPattern).setName(e.ID)
		}
	}
	return patterns, nil
}

func (e *NestedBitfieldEntry) Clone() Node {
	return &NestedBitfieldEntry{
		ID:       e.ID,
		Bitfield: e.Bitfield.Clone().(*BitfieldNode),
	}
}

// ConditionalEntry guards nested entries behind an expression. The branch
// entries evaluate in order; an in-flight control-flow signal stops the
// branch and is left for the enclosing construct to interpret.
type ConditionalEntry struct {
	Cond string
	Then []Node
	Else []Node
}

func (e *ConditionalEntry) CreatePatterns(ctx context.Context, ev *Evaluator) ([]Pattern, error) {
	val, err := ev.EvaluateExpression(ctx, e.Cond)
	if err != nil {
		return nil, err
	}
	cond, ok := asBool(val)
	if !ok {
		return nil, failf(CodeBadExpression, nodeLabel(e), "condition %q did not evaluate to a boolean, got %T", e.Cond, val)
	}

	branch := e.Then
	if !cond {
		branch = e.Else
	}

	var patterns []Pattern
	for _, node := range branch {
		produced, err := node.CreatePatterns(ctx, ev)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, produced...)
		if ev.ControlFlow() != ControlNone {
			break
		}
	}
	return patterns, nil
}

func (e *ConditionalEntry) Clone() Node {
	return &ConditionalEntry{
		Cond: e.Cond,
		Then: cloneNodes(e.Then),
		Else: cloneNodes(e.Else),
	}
}

// ControlFlowEntry raises an early-exit signal when evaluated.
type ControlFlowEntry struct {
	Signal ControlFlow
}

func (e *ControlFlowEntry) CreatePatterns(ctx context.Context, ev *Evaluator) ([]Pattern, error) {
	ev.SetControlFlow(e.Signal)
	return nil, nil
}

func (e *ControlFlowEntry) Clone() Node {
	clone := *e
	return &clone
}

// RepeatEntry evaluates its body a fixed number of times. While it runs,
// the evaluator is inside a repetition context: break and continue signals
// belong to this loop and never escape to the enclosing construct.
type RepeatEntry struct {
	CountExpr string
	Body      Node
}

func (e *RepeatEntry) CreatePatterns(ctx context.Context, ev *Evaluator) ([]Pattern, error) {
	count, err := ev.EvaluateInt(ctx, e.CountExpr)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, failf(CodeBadExpression, nodeLabel(e), "repeat count must not be negative, got %d", count)
	}

	ev.EnterRepetition()
	defer ev.LeaveRepetition()

	var patterns []Pattern
	for i := int64(0); i < count; i++ {
		produced, err := e.Body.CreatePatterns(ctx, ev)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, produced...)

		stop := false
		switch ev.ControlFlow() {
		case ControlBreak:
			ev.SetControlFlow(ControlNone)
			stop = true
		case ControlContinue:
			ev.SetControlFlow(ControlNone)
		case ControlReturn:
			stop = true
		}
		if stop {
			break
		}
	}
	return patterns, nil
}

func (e *RepeatEntry) Clone() Node {
	return &RepeatEntry{CountExpr: e.CountExpr, Body: e.Body.Clone()}
}

// StructNode is an ordered sequence of byte-oriented members: scalar and
// string fields, bitfields, nested structs. It is the construct that
// invokes bitfields and receives their single-pattern result.
type StructNode struct {
	TypeName string
	Entries  []Node
}

func (s *StructNode) CreatePatterns(ctx context.Context, ev *Evaluator) ([]Pattern, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	start := ev.BitPosition()
	structPattern := NewStructPattern(s.TypeName, start, ev.Section())

	var members []Pattern
	ev.PushScope(structPattern, &members)
	defer ev.PopScope()

	for _, entry := range s.Entries {
		produced, err := entry.CreatePatterns(ctx, ev)
		if err != nil {
			return nil, err
		}
		members = append(members, produced...)

		if ev.InRepetition() {
			continue
		}
		stop := false
		switch ev.ControlFlow() {
		case ControlReturn:
			stop = true
		case ControlBreak:
			ev.SetControlFlow(ControlNone)
			stop = true
		case ControlContinue:
			ev.SetControlFlow(ControlNone)
			stop = true
		}
		if stop {
			break
		}
	}

	end := ev.BitPosition()
	structPattern.SetBitSize(end.TotalBits() - start.TotalBits())
	structPattern.SetMembers(members)
	return []Pattern{structPattern}, nil
}

func (s *StructNode) Clone() Node {
	return &StructNode{TypeName: s.TypeName, Entries: cloneNodes(s.Entries)}
}

// ScalarFieldNode reads one byte-aligned integer or float member through
// the underlying stream.
type ScalarFieldNode struct {
	ID       string
	TypeName string // u1..u8, s1..s8, f4, f8, optionally with le/be suffix
}

func (f *ScalarFieldNode) CreatePatterns(ctx context.Context, ev *Evaluator) ([]Pattern, error) {
	size, read, err := scalarReader(f.TypeName, ev.Endianness())
	if err != nil {
		return nil, failf(CodeUnknownType, nodeLabel(f), "%v", err)
	}

	if err := ev.SeekAligned(size); err != nil {
		return nil, err
	}
	start := ev.BitPosition()

	value, err := read(ev)
	if err != nil {
		return nil, fmt.Errorf("reading %s for %s: %w", f.TypeName, nodeLabel(f), err)
	}
	ev.SetBitPosition(PositionFromBits(start.TotalBits() + size*8))

	pattern := NewScalarPattern(f.ID, start, size*8, f.TypeName, ev.Endianness(), value)
	return []Pattern{pattern}, nil
}

func (f *ScalarFieldNode) Clone() Node {
	clone := *f
	return &clone
}

// scalarReader resolves a scalar type name to its byte size and read
// function. Type names without an explicit le/be suffix use the ambient
// endianness.
func scalarReader(typeName string, ambient Endian) (uint64, func(*Evaluator) (any, error), error) {
	base := typeName
	endian := ambient
	if len(typeName) > 2 {
		switch typeName[len(typeName)-2:] {
		case "le":
			base = typeName[:len(typeName)-2]
			endian = LittleEndian
		case "be":
			base = typeName[:len(typeName)-2]
			endian = BigEndian
		}
	}

	le := endian == LittleEndian
	switch base {
	case "u1":
		return 1, func(ev *Evaluator) (any, error) { return ev.Stream().ReadU1() }, nil
	case "s1":
		return 1, func(ev *Evaluator) (any, error) { return ev.Stream().ReadS1() }, nil
	case "u2":
		if le {
			return 2, func(ev *Evaluator) (any, error) { return ev.Stream().ReadU2le() }, nil
		}
		return 2, func(ev *Evaluator) (any, error) { return ev.Stream().ReadU2be() }, nil
	case "s2":
		if le {
			return 2, func(ev *Evaluator) (any, error) { return ev.Stream().ReadS2le() }, nil
		}
		return 2, func(ev *Evaluator) (any, error) { return ev.Stream().ReadS2be() }, nil
	case "u4":
		if le {
			return 4, func(ev *Evaluator) (any, error) { return ev.Stream().ReadU4le() }, nil
		}
		return 4, func(ev *Evaluator) (any, error) { return ev.Stream().ReadU4be() }, nil
	case "s4":
		if le {
			return 4, func(ev *Evaluator) (any, error) { return ev.Stream().ReadS4le() }, nil
		}
		return 4, func(ev *Evaluator) (any, error) { return ev.Stream().ReadS4be() }, nil
	case "u8":
		if le {
			return 8, func(ev *Evaluator) (any, error) { return ev.Stream().ReadU8le() }, nil
		}
		return 8, func(ev *Evaluator) (any, error) { return ev.Stream().ReadU8be() }, nil
	case "s8":
		if le {
			return 8, func(ev *Evaluator) (any, error) { return ev.Stream().ReadS8le() }, nil
		}
		return 8, func(ev *Evaluator) (any, error) { return ev.Stream().ReadS8be() }, nil
	case "f4":
		if le {
			return 4, func(ev *Evaluator) (any, error) { return ev.Stream().ReadF4le() }, nil
		}
		return 4, func(ev *Evaluator) (any, error) { return ev.Stream().ReadF4be() }, nil
	case "f8":
		if le {
			return 8, func(ev *Evaluator) (any, error) { return ev.Stream().ReadF8le() }, nil
		}
		return 8, func(ev *Evaluator) (any, error) { return ev.Stream().ReadF8be() }, nil
	}
	return 0, nil, fmt.Errorf("unknown scalar type %q", typeName)
}

// StringFieldNode reads a byte-aligned string member of an expression-sized
// length, decoded with a named encoding.
type StringFieldNode struct {
	ID       string
	SizeExpr string
	Encoding string
}

func (f *StringFieldNode) CreatePatterns(ctx context.Context, ev *Evaluator) ([]Pattern, error) {
	size, err := ev.EvaluateInt(ctx, f.SizeExpr)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, failf(CodeBadExpression, nodeLabel(f), "string size must not be negative, got %d", size)
	}

	if err := ev.SeekAligned(uint64(size)); err != nil {
		return nil, err
	}
	start := ev.BitPosition()

	raw, err := ev.Stream().ReadBytes(int(size))
	if err != nil {
		return nil, fmt.Errorf("reading %d bytes for %s: %w", size, nodeLabel(f), err)
	}
	ev.SetBitPosition(PositionFromBits(start.TotalBits() + uint64(size)*8))

	value, err := decodeString(raw, f.Encoding)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", nodeLabel(f), err)
	}

	pattern := NewStringPattern(f.ID, start, raw, value, f.Encoding)
	return []Pattern{pattern}, nil
}

func (f *StringFieldNode) Clone() Node {
	clone := *f
	return &clone
}
