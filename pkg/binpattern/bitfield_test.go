package binpattern

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T, data []byte, endian Endian) *Evaluator {
	t.Helper()
	stream := kaitai.NewStream(bytes.NewReader(data))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ev, err := NewEvaluator(stream, endian, logger)
	require.NoError(t, err)
	return ev
}

func evalBitfield(t *testing.T, ev *Evaluator, node *BitfieldNode) *BitfieldPattern {
	t.Helper()
	patterns, err := node.CreatePatterns(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	require.Equal(t, KindBitfield, patterns[0].Kind())
	return patterns[0].(*BitfieldPattern)
}

func fieldNames(p *BitfieldPattern) []string {
	names := make([]string, 0, len(p.Fields()))
	for _, f := range p.Fields() {
		names = append(names, f.Name())
	}
	return names
}

func TestBitfield_MeasuredSize(t *testing.T) {
	// 0xB5 = 0b1011_0101: a reads 101, b reads 10101.
	ev := newTestEvaluator(t, []byte{0xB5}, LittleEndian)

	node := NewBitfieldNode("flags", nil)
	node.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "3"})
	node.AddEntry(&BitFieldEntry{ID: "b", BitsExpr: "5"})

	pattern := evalBitfield(t, ev, node)

	assert.Equal(t, uint64(8), pattern.BitSize())
	assert.Equal(t, []string{"a", "b"}, fieldNames(pattern))
	assert.False(t, pattern.Reversed())
	assert.Equal(t, uint64(8), ev.BitPosition().TotalBits())

	a := pattern.Fields()[0].(*BitfieldMemberPattern)
	b := pattern.Fields()[1].(*BitfieldMemberPattern)
	assert.Equal(t, uint64(0b101), a.Value())
	assert.Equal(t, uint64(0b10101), b.Value())
	assert.Equal(t, uint64(3), a.BitSize())
	assert.Equal(t, uint64(5), b.BitSize())
	assert.Same(t, pattern, a.Parent())
	assert.Same(t, pattern, b.Parent())
}

func TestBitfield_PaddingExcludedFromFields(t *testing.T) {
	// 0xAB = 0b1010_1011: padding consumes 1010, v reads 1011.
	ev := newTestEvaluator(t, []byte{0xAB}, LittleEndian)

	node := NewBitfieldNode("padded", nil)
	node.AddEntry(&BitFieldEntry{BitsExpr: "4", Padding: true})
	node.AddEntry(&BitFieldEntry{ID: "v", BitsExpr: "4"})

	pattern := evalBitfield(t, ev, node)

	assert.Equal(t, uint64(8), pattern.BitSize(), "padding still counts toward size")
	assert.Equal(t, []string{"v"}, fieldNames(pattern))
	assert.Equal(t, uint64(0b1011), pattern.Fields()[0].(*BitfieldMemberPattern).Value())
}

func TestBitfield_OrderFlipReservesFixedRegion(t *testing.T) {
	// MostToLeastSignificant under little endian requires reversed reads:
	// 16 bits are reserved up front and the cursor ends exactly there.
	ev := newTestEvaluator(t, []byte{0x34, 0x12, 0xFF}, LittleEndian)

	node := NewBitfieldNode("ordered", AttributeSet{
		"bitfield_order": {"0", "16"},
	})
	node.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "4"})
	node.AddEntry(&BitFieldEntry{ID: "b", BitsExpr: "4"})

	pattern := evalBitfield(t, ev, node)

	assert.True(t, pattern.Reversed())
	assert.Equal(t, uint64(16), pattern.BitSize())
	assert.Equal(t, uint64(16), ev.BitPosition().TotalBits(), "net advance is exactly the fixed size")
	assert.False(t, ev.ReadReversed(), "direction must not leak to siblings")

	// Reversed reads consume the bits below the reservation boundary,
	// least significant first: a takes byte 1's high nibble, b its low one.
	a := pattern.Fields()[0].(*BitfieldMemberPattern)
	b := pattern.Fields()[1].(*BitfieldMemberPattern)
	assert.Equal(t, uint64(0x1), a.Value())
	assert.Equal(t, uint64(0x2), b.Value())
}

func TestBitfield_OrderMatchingDirectionKeepsCursor(t *testing.T) {
	// LeastToMostSignificant under little endian matches the ambient
	// direction: nothing is reserved and nothing rewinds, but the fixed
	// size is still the recorded size.
	ev := newTestEvaluator(t, []byte{0xB5, 0x00}, LittleEndian)

	node := NewBitfieldNode("ordered", AttributeSet{
		"bitfield_order": {"1", "16"},
	})
	node.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "3"})
	node.AddEntry(&BitFieldEntry{ID: "b", BitsExpr: "5"})

	pattern := evalBitfield(t, ev, node)

	assert.False(t, pattern.Reversed())
	assert.Equal(t, uint64(16), pattern.BitSize(), "declared fixed size wins over measured size")
	assert.Equal(t, uint64(8), ev.BitPosition().TotalBits(), "no reservation, cursor reflects consumption")
}

func TestBitfield_OrderFlipUnderBigEndian(t *testing.T) {
	// LeastToMostSignificant under big endian is the reversing combination.
	ev := newTestEvaluator(t, []byte{0x00, 0x00}, BigEndian)

	node := NewBitfieldNode("ordered", AttributeSet{
		"bitfield_order": {"1", "8"},
	})
	node.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "8"})

	pattern := evalBitfield(t, ev, node)
	assert.True(t, pattern.Reversed())
	assert.Equal(t, uint64(8), ev.BitPosition().TotalBits())
}

func TestBitfield_OrderAttributeValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code ErrorCode
	}{
		{"one argument", []string{"0"}, CodeAttributeArity},
		{"three arguments", []string{"0", "8", "1"}, CodeAttributeArity},
		{"zero size", []string{"0", "0"}, CodeInvalidAttributeValue},
		{"negative size", []string{"0", "-8"}, CodeInvalidAttributeValue},
		{"direction out of range", []string{"2", "8"}, CodeInvalidAttributeValue},
		{"non-integer direction", []string{"'up'", "8"}, CodeInvalidAttributeValue},
		{"non-integer size", []string{"0", "'big'"}, CodeInvalidAttributeValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newTestEvaluator(t, []byte{0x00, 0x00}, LittleEndian)
			node := NewBitfieldNode("bad", AttributeSet{"bitfield_order": tt.args})
			node.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "4"})

			_, err := node.CreatePatterns(context.Background(), ev)
			require.Error(t, err)
			assert.True(t, IsCode(err, tt.code), "expected %s, got %v", tt.code, err)
			assert.Equal(t, 0, ev.ScopeDepth(), "scope stack must stay balanced on failure")
		})
	}
}

func TestBitfield_DeprecatedDirectionAttributes(t *testing.T) {
	for _, name := range []string{"left_to_right", "right_to_left"} {
		t.Run(name, func(t *testing.T) {
			ev := newTestEvaluator(t, []byte{0x00}, LittleEndian)
			node := NewBitfieldNode("old", AttributeSet{name: nil})
			node.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "4"})

			_, err := node.CreatePatterns(context.Background(), ev)
			require.Error(t, err)
			assert.True(t, IsCode(err, CodeUnsupportedAttribute))
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestBitfield_SizeOverflow(t *testing.T) {
	ev := newTestEvaluator(t, []byte{0x00, 0x00, 0x00}, LittleEndian)

	// Matching direction, so the fixed size constrains without a flip.
	node := NewBitfieldNode("tight", AttributeSet{
		"bitfield_order": {"1", "16"},
	})
	node.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "8"})
	node.AddEntry(&BitFieldEntry{ID: "b", BitsExpr: "8"})
	node.AddEntry(&BitFieldEntry{ID: "c", BitsExpr: "4"})

	_, err := node.CreatePatterns(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeSizeOverflow))
	assert.Contains(t, err.Error(), "field 'c'")
	assert.Equal(t, 0, ev.ScopeDepth())
}

func TestBitfield_ControlFlowSignals(t *testing.T) {
	build := func(signal ControlFlow) *BitfieldNode {
		node := NewBitfieldNode("cf", nil)
		node.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "4"})
		node.AddEntry(&ControlFlowEntry{Signal: signal})
		node.AddEntry(&BitFieldEntry{ID: "never", BitsExpr: "4"})
		return node
	}

	t.Run("return keeps fields and leaves the signal set", func(t *testing.T) {
		ev := newTestEvaluator(t, []byte{0xF0}, LittleEndian)
		pattern := evalBitfield(t, ev, build(ControlReturn))

		assert.Equal(t, []string{"a"}, fieldNames(pattern))
		assert.Equal(t, ControlReturn, ev.ControlFlow())
		assert.Equal(t, uint64(4), ev.BitPosition().TotalBits())
	})

	t.Run("break keeps fields and clears the signal", func(t *testing.T) {
		ev := newTestEvaluator(t, []byte{0xF0}, LittleEndian)
		pattern := evalBitfield(t, ev, build(ControlBreak))

		assert.Equal(t, []string{"a"}, fieldNames(pattern))
		assert.Equal(t, ControlNone, ev.ControlFlow())
	})

	t.Run("continue discards fields and clears the signal", func(t *testing.T) {
		ev := newTestEvaluator(t, []byte{0xF0}, LittleEndian)
		pattern := evalBitfield(t, ev, build(ControlContinue))

		assert.Empty(t, pattern.Fields())
		assert.Equal(t, ControlNone, ev.ControlFlow())
		assert.Equal(t, uint64(4), pattern.BitSize(), "consumed bits still count toward size")
	})
}

func TestBitfield_ControlFlowSuppressedInRepetition(t *testing.T) {
	// A break inside a repeated entry belongs to the repetition: the
	// bitfield keeps evaluating entries after the loop ends.
	ev := newTestEvaluator(t, []byte{0xFF, 0xFF}, LittleEndian)

	node := NewBitfieldNode("loops", nil)
	node.AddEntry(&RepeatEntry{
		CountExpr: "4",
		Body: &ConditionalEntry{
			Cond: "true",
			Then: []Node{
				&BitFieldEntry{ID: "x", BitsExpr: "2"},
				&ControlFlowEntry{Signal: ControlBreak},
			},
		},
	})
	node.AddEntry(&BitFieldEntry{ID: "after", BitsExpr: "4"})

	pattern := evalBitfield(t, ev, node)

	assert.Equal(t, []string{"x", "after"}, fieldNames(pattern))
	assert.Equal(t, ControlNone, ev.ControlFlow())
	assert.Equal(t, uint64(6), pattern.BitSize())
}

func TestBitfield_NestedBitfield(t *testing.T) {
	ev := newTestEvaluator(t, []byte{0xB5}, LittleEndian)

	inner := NewBitfieldNode("inner", nil)
	inner.AddEntry(&BitFieldEntry{ID: "x", BitsExpr: "2"})
	inner.AddEntry(&BitFieldEntry{ID: "y", BitsExpr: "3"})

	outer := NewBitfieldNode("outer", nil)
	outer.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "3"})
	outer.AddEntry(&NestedBitfieldEntry{ID: "sub", Bitfield: inner})

	pattern := evalBitfield(t, ev, outer)

	require.Equal(t, []string{"a", "sub"}, fieldNames(pattern))
	assert.Equal(t, uint64(8), pattern.BitSize())

	sub := pattern.Fields()[1].(*BitfieldPattern)
	assert.Equal(t, KindBitfield, sub.Kind())
	assert.Equal(t, []string{"x", "y"}, fieldNames(sub))
	assert.Equal(t, uint64(5), sub.BitSize())

	// Inner members belong to the inner bitfield, not the outer one.
	x := sub.Fields()[0].(*BitfieldMemberPattern)
	assert.Same(t, sub, x.Parent())
}

func TestBitfield_ExpressionBitCounts(t *testing.T) {
	// The second field's width is computed from the first field's value.
	ev := newTestEvaluator(t, []byte{0x04, 0xC0}, LittleEndian)

	node := NewBitfieldNode("dynamic", nil)
	node.AddEntry(&BitFieldEntry{ID: "width", BitsExpr: "8"})
	node.AddEntry(&BitFieldEntry{ID: "value", BitsExpr: "width / 2"})

	pattern := evalBitfield(t, ev, node)

	require.Equal(t, []string{"width", "value"}, fieldNames(pattern))
	value := pattern.Fields()[1].(*BitfieldMemberPattern)
	assert.Equal(t, uint64(2), value.BitSize())
	assert.Equal(t, uint64(0b11), value.Value())
	assert.Equal(t, uint64(10), pattern.BitSize())
}

func TestBitfield_TypeAttributesApplied(t *testing.T) {
	ev := newTestEvaluator(t, []byte{0x00}, LittleEndian)

	node := NewBitfieldNode("decorated", AttributeSet{
		"comment": {"'link flags'"},
		"name":    {"'Flags'"},
		"hidden":  {},
	})
	node.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "8"})

	pattern := evalBitfield(t, ev, node)

	assert.Equal(t, "link flags", pattern.Comment())
	assert.Equal(t, "Flags", pattern.DisplayName())
	assert.True(t, pattern.Hidden())
}

func TestBitfield_UnknownAttributeFails(t *testing.T) {
	ev := newTestEvaluator(t, []byte{0x00}, LittleEndian)

	node := NewBitfieldNode("bad", AttributeSet{"sparkle": {"'x'"}})
	node.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "8"})

	_, err := node.CreatePatterns(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidAttributeValue))
}

func TestBitfield_CloneIsIndependent(t *testing.T) {
	original := NewBitfieldNode("orig", AttributeSet{"comment": {"'c'"}})
	original.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "3"})
	original.AddEntry(&BitFieldEntry{ID: "b", BitsExpr: "5"})

	clone := original.Clone().(*BitfieldNode)
	clone.AddEntry(&BitFieldEntry{ID: "c", BitsExpr: "2"})
	clone.Entries()[0].(*BitFieldEntry).BitsExpr = "7"
	clone.Attributes()["comment"][0] = "'mutated'"

	assert.Len(t, original.Entries(), 2)
	assert.Equal(t, "3", original.Entries()[0].(*BitFieldEntry).BitsExpr)
	assert.Equal(t, "'c'", original.Attributes()["comment"][0])

	// Evaluating the clone must not disturb the original's behavior.
	ev := newTestEvaluator(t, []byte{0xB5, 0xFF}, LittleEndian)
	pattern := evalBitfield(t, ev, original)
	assert.Equal(t, uint64(8), pattern.BitSize())
}

func TestBitfield_ConditionalEntries(t *testing.T) {
	// 0x80: first bit set, so the then-branch runs.
	ev := newTestEvaluator(t, []byte{0x80}, LittleEndian)

	node := NewBitfieldNode("cond", nil)
	node.AddEntry(&BitFieldEntry{ID: "flag", BitsExpr: "1"})
	node.AddEntry(&ConditionalEntry{
		Cond: "flag == 1",
		Then: []Node{&BitFieldEntry{ID: "extra", BitsExpr: "3"}},
		Else: []Node{&BitFieldEntry{ID: "other", BitsExpr: "7"}},
	})

	pattern := evalBitfield(t, ev, node)

	assert.Equal(t, []string{"flag", "extra"}, fieldNames(pattern))
	assert.Equal(t, uint64(4), pattern.BitSize())
}

func TestBitfield_ReadPastEndFails(t *testing.T) {
	ev := newTestEvaluator(t, []byte{0x00}, LittleEndian)

	node := NewBitfieldNode("overrun", nil)
	node.AddEntry(&BitFieldEntry{ID: "a", BitsExpr: "16"})

	_, err := node.CreatePatterns(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeOutOfBounds))
	assert.Equal(t, 0, ev.ScopeDepth())
}
