package binpattern

import (
	"context"
)

// BitfieldOrder selects which end of the bit region field declarations
// start from. It is resolved against the ambient endianness to pick the
// actual traversal direction.
type BitfieldOrder int

const (
	MostToLeastSignificant BitfieldOrder = 0
	LeastToMostSignificant BitfieldOrder = 1
)

// BitfieldNode is a bitfield declaration: an ordered sequence of entries
// packing named sub-byte fields into a contiguous bit region, plus the
// attributes attached to the declaration.
type BitfieldNode struct {
	TypeName string
	entries  []Node
	attrs    AttributeSet
}

// NewBitfieldNode creates an empty bitfield declaration.
func NewBitfieldNode(typeName string, attrs AttributeSet) *BitfieldNode {
	return &BitfieldNode{TypeName: typeName, attrs: attrs}
}

// AddEntry appends an entry; declaration order is semantically significant.
func (b *BitfieldNode) AddEntry(entry Node) {
	b.entries = append(b.entries, entry)
}

// Entries returns the entries in declaration order.
func (b *BitfieldNode) Entries() []Node { return b.entries }

// Attributes returns the declaration's attribute set.
func (b *BitfieldNode) Attributes() AttributeSet { return b.attrs }

// Clone deep-copies the node; two clones never share mutable state.
func (b *BitfieldNode) Clone() Node {
	return &BitfieldNode{
		TypeName: b.TypeName,
		entries:  cloneNodes(b.entries),
		attrs:    b.attrs.clone(),
	}
}

// CreatePatterns evaluates the bitfield against the shared context and
// yields exactly one BitfieldPattern. The bitfield_order attribute may
// fix the total size and flip the bit-traversal direction for the entry
// loop; the direction never leaks to siblings, and when it flips the net
// cursor advance is exactly the fixed size regardless of what the entries
// consumed.
func (b *BitfieldNode) CreatePatterns(ctx context.Context, ev *Evaluator) ([]Pattern, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	position := ev.BitPosition()
	bitfieldPattern := NewBitfieldPattern(b.TypeName, position, ev.Endianness(), ev.Section())

	prevReversed := ev.ReadReversed()
	reversedChanged := false
	var fixedSize uint64

	for _, name := range []string{"left_to_right", "right_to_left"} {
		if b.attrs.Has(name) {
			return nil, failf(CodeUnsupportedAttribute, nodeLabel(b), "attribute '%s' is no longer supported", name)
		}
	}

	if args, ok := b.attrs.Get("bitfield_order"); ok {
		if len(args) != 2 {
			return nil, failf(CodeAttributeArity, nodeLabel(b), "attribute 'bitfield_order' expected 2 parameters, received %d", len(args))
		}

		directionVal, err := ev.EvaluateExpression(ctx, args[0])
		if err != nil {
			return nil, err
		}
		direction, ok := asInt(directionVal)
		if !ok {
			return nil, failf(CodeInvalidAttributeValue, nodeLabel(b), "the 'direction' parameter for attribute 'bitfield_order' must evaluate to an integer, got %T", directionVal)
		}
		var order BitfieldOrder
		switch BitfieldOrder(direction) {
		case MostToLeastSignificant, LeastToMostSignificant:
			order = BitfieldOrder(direction)
		default:
			return nil, failf(CodeInvalidAttributeValue, nodeLabel(b), "invalid bitfield order value %d", direction)
		}

		sizeVal, err := ev.EvaluateExpression(ctx, args[1])
		if err != nil {
			return nil, err
		}
		size, ok := asInt(sizeVal)
		if !ok {
			return nil, failf(CodeInvalidAttributeValue, nodeLabel(b), "the 'size' parameter for attribute 'bitfield_order' must evaluate to an integer, got %T", sizeVal)
		}
		if size <= 0 {
			return nil, failf(CodeInvalidAttributeValue, nodeLabel(b), "fixed size of a bitfield must be greater than zero")
		}

		shouldBeReversed := (order == MostToLeastSignificant && ev.Endianness() == LittleEndian) ||
			(order == LeastToMostSignificant && ev.Endianness() == BigEndian)
		if prevReversed != shouldBeReversed {
			reversedChanged = true
			// Reserve the fixed region up front; entries then traverse it
			// against the flipped direction.
			ev.AdvanceBits(uint64(size))
			ev.SetReadReversed(shouldBeReversed)
		}

		fixedSize = uint64(size)
	}

	var fields []Pattern
	var pending []Pattern

	ev.PushScope(bitfieldPattern, &pending)
	defer ev.PopScope()

	initialPosition := ev.BitPosition()
	setSize := func(entry Node) error {
		endPosition := ev.BitPosition()
		startOffset := initialPosition.TotalBits()
		endOffset := endPosition.TotalBits()
		totalBitSize := endOffset - startOffset
		if startOffset > endOffset {
			totalBitSize = startOffset - endOffset
		}
		if fixedSize > 0 {
			if totalBitSize > fixedSize {
				return failf(CodeSizeOverflow, nodeLabel(entry), "bitfield's fields exceeded the attribute-allotted size of %d bits", fixedSize)
			}
			totalBitSize = fixedSize
		}
		bitfieldPattern.SetBitSize(totalBitSize)
		return nil
	}

entries:
	for _, entry := range b.entries {
		patterns, err := entry.CreatePatterns(ctx, ev)
		if err != nil {
			return nil, err
		}
		if err := setSize(entry); err != nil {
			return nil, err
		}
		pending = append(pending, patterns...)

		if ev.InRepetition() {
			continue
		}
		switch ev.ControlFlow() {
		case ControlReturn:
			break entries
		case ControlBreak:
			ev.SetControlFlow(ControlNone)
			break entries
		case ControlContinue:
			ev.SetControlFlow(ControlNone)
			pending = nil
			break entries
		}
	}

	for _, pattern := range pending {
		if pattern.Kind() == KindBitfieldMember {
			member := pattern.(*BitfieldMemberPattern)
			member.SetParent(bitfieldPattern)
			if !member.IsPadding() {
				fields = append(fields, pattern)
			}
		} else {
			fields = append(fields, pattern)
		}
	}

	bitfieldPattern.SetReversed(ev.ReadReversed())
	if reversedChanged {
		ev.SetBitPosition(initialPosition)
	}
	bitfieldPattern.SetFields(fields)

	if err := applyTypeAttributes(ctx, ev, b.attrs, bitfieldPattern); err != nil {
		return nil, err
	}

	ev.SetReadReversed(prevReversed)

	return []Pattern{bitfieldPattern}, nil
}
