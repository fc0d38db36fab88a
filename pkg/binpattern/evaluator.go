package binpattern

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"

	icel "github.com/twinfer/binpat-plugin/internal/cel"
)

// ControlFlow is the interpreter-wide early-exit signal. It is set by
// control-flow entries and inspected by enclosing constructs after every
// member evaluation.
type ControlFlow int

const (
	ControlNone ControlFlow = iota
	ControlReturn
	ControlBreak
	ControlContinue
)

func (c ControlFlow) String() string {
	switch c {
	case ControlReturn:
		return "return"
	case ControlBreak:
		return "break"
	case ControlContinue:
		return "continue"
	}
	return "none"
}

// scope is one level of the evaluation scope stack: the pattern owning the
// level and the buffer its member patterns accumulate into.
type scope struct {
	owner   Pattern
	members *[]Pattern
}

// Evaluator is the shared mutable evaluation context threaded through every
// node evaluation: the bit cursor, endianness and read direction, the scope
// stack and the control-flow signal. It is owned by the top-level driver
// and borrowed by every nested evaluation.
type Evaluator struct {
	stream     *kaitai.Stream
	streamBits uint64
	pos        Position
	endian     Endian
	reversed   bool
	section    int
	scopes     []scope
	ctrl       ControlFlow
	repetition int
	pool       *icel.ExpressionPool
	logger     *slog.Logger
}

// NewEvaluator creates an evaluator over the given stream. The logger may
// be nil, in which case slog.Default() is used.
func NewEvaluator(stream *kaitai.Stream, endian Endian, logger *slog.Logger) (*Evaluator, error) {
	size, err := stream.Size()
	if err != nil {
		return nil, fmt.Errorf("determining stream size: %w", err)
	}

	pool, err := icel.NewExpressionPool()
	if err != nil {
		return nil, fmt.Errorf("creating expression pool: %w", err)
	}

	log := logger
	if log == nil {
		log = slog.Default()
	}

	return &Evaluator{
		stream:     stream,
		streamBits: uint64(size) * 8,
		endian:     endian,
		pool:       pool,
		logger:     log,
	}, nil
}

// BitPosition returns the current cursor position.
func (ev *Evaluator) BitPosition() Position { return ev.pos }

// SetBitPosition resets the cursor to an absolute position.
func (ev *Evaluator) SetBitPosition(pos Position) { ev.pos = pos }

// AdvanceBits moves the cursor by n bits in the current read direction and
// returns the position before the move. A reversed cursor moving past the
// start of the buffer stops at bit zero.
func (ev *Evaluator) AdvanceBits(n uint64) Position {
	prev := ev.pos
	total := ev.pos.TotalBits()
	if ev.reversed {
		if n > total {
			total = 0
		} else {
			total -= n
		}
	} else {
		total += n
	}
	ev.pos = PositionFromBits(total)
	return prev
}

// Endianness returns the ambient byte order.
func (ev *Evaluator) Endianness() Endian { return ev.endian }

// ReadReversed reports whether bit reads currently run against the ambient
// direction.
func (ev *Evaluator) ReadReversed() bool { return ev.reversed }

// SetReadReversed switches the bit-traversal direction.
func (ev *Evaluator) SetReadReversed(reversed bool) { ev.reversed = reversed }

// Section returns the id of the section the cursor currently reads from.
func (ev *Evaluator) Section() int { return ev.section }

// SetSection selects the section id recorded on produced patterns.
func (ev *Evaluator) SetSection(id int) { ev.section = id }

// PushScope enters a new scope level owned by the given pattern. Members
// produced inside the scope accumulate into the provided buffer. Every
// PushScope must be balanced by a PopScope on all exit paths.
func (ev *Evaluator) PushScope(owner Pattern, members *[]Pattern) {
	ev.scopes = append(ev.scopes, scope{owner: owner, members: members})
}

// PopScope leaves the innermost scope level.
func (ev *Evaluator) PopScope() {
	if len(ev.scopes) == 0 {
		return
	}
	ev.scopes = ev.scopes[:len(ev.scopes)-1]
}

// ScopeDepth returns the current depth of the scope stack.
func (ev *Evaluator) ScopeDepth() int { return len(ev.scopes) }

// ControlFlow returns the in-flight early-exit signal.
func (ev *Evaluator) ControlFlow() ControlFlow { return ev.ctrl }

// SetControlFlow records or clears the early-exit signal.
func (ev *Evaluator) SetControlFlow(signal ControlFlow) { ev.ctrl = signal }

// EnterRepetition marks the start of a loop or array body. While inside a
// repetition, enclosing constructs leave control-flow handling to it.
func (ev *Evaluator) EnterRepetition() { ev.repetition++ }

// LeaveRepetition marks the end of a loop or array body.
func (ev *Evaluator) LeaveRepetition() {
	if ev.repetition > 0 {
		ev.repetition--
	}
}

// InRepetition reports whether evaluation is inside an active loop or array.
func (ev *Evaluator) InRepetition() bool { return ev.repetition > 0 }

// ReadBits consumes n bits at the cursor in the current read direction and
// returns them as an unsigned value. Forward reads take the bits at and
// above the cursor, most significant first; reversed reads take the bits
// below the cursor, least significant first.
func (ev *Evaluator) ReadBits(n uint64) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	if n > 64 {
		return 0, failf(CodeOutOfBounds, "", "cannot read %d bits at once, maximum is 64", n)
	}

	cursor := ev.pos.TotalBits()
	var start uint64
	if ev.reversed {
		if n > cursor {
			return 0, failf(CodeOutOfBounds, "", "reversed read of %d bits at bit %d runs past the start of the buffer", n, cursor)
		}
		start = cursor - n
	} else {
		if cursor+n > ev.streamBits {
			return 0, failf(CodeOutOfBounds, "", "read of %d bits at bit %d runs past the end of the buffer (%d bits)", n, cursor, ev.streamBits)
		}
		start = cursor
	}

	buf, err := ev.bytesCovering(start, n)
	if err != nil {
		return 0, err
	}

	firstByte := start / 8
	var value uint64
	if ev.reversed {
		for i := uint64(0); i < n; i++ {
			abs := start + i
			bit := (buf[abs/8-firstByte] >> (abs % 8)) & 1
			value |= uint64(bit) << i
		}
		ev.pos = PositionFromBits(start)
	} else {
		for i := uint64(0); i < n; i++ {
			abs := start + i
			bit := (buf[abs/8-firstByte] >> (7 - abs%8)) & 1
			value = value<<1 | uint64(bit)
		}
		ev.pos = PositionFromBits(start + n)
	}
	return value, nil
}

// bytesCovering fetches the bytes spanning the bit range [start, start+n).
func (ev *Evaluator) bytesCovering(start, n uint64) ([]byte, error) {
	firstByte := start / 8
	lastByte := (start + n - 1) / 8
	if _, err := ev.stream.Seek(int64(firstByte), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to byte %d: %w", firstByte, err)
	}
	buf, err := ev.stream.ReadBytes(int(lastByte - firstByte + 1))
	if err != nil {
		return nil, fmt.Errorf("reading %d bytes at offset %d: %w", lastByte-firstByte+1, firstByte, err)
	}
	return buf, nil
}

// AlignToByte advances the cursor to the next byte boundary if it sits
// mid-byte. Byte-aligned fields call this before reading.
func (ev *Evaluator) AlignToByte() {
	if ev.pos.Bit != 0 {
		ev.pos = Position{Byte: ev.pos.Byte + 1}
	}
}

// SeekAligned aligns the cursor, verifies n bytes are available and
// positions the underlying stream at the cursor's byte offset. The caller
// then reads through the stream and calls AdvanceBits(n*8).
func (ev *Evaluator) SeekAligned(n uint64) error {
	ev.AlignToByte()
	if ev.pos.TotalBits()+n*8 > ev.streamBits {
		return failf(CodeOutOfBounds, "", "read of %d bytes at offset %d runs past the end of the buffer", n, ev.pos.Byte)
	}
	if _, err := ev.stream.Seek(int64(ev.pos.Byte), io.SeekStart); err != nil {
		return fmt.Errorf("seeking to byte %d: %w", ev.pos.Byte, err)
	}
	return nil
}

// Stream exposes the underlying byte source for aligned reads.
func (ev *Evaluator) Stream() *kaitai.Stream { return ev.stream }

// EvaluateExpression reduces a CEL expression against the current scope.
// Visible members of every live scope level are exposed as variables, inner
// levels shadowing outer ones, together with _byte_pos and _bit_pos.
func (ev *Evaluator) EvaluateExpression(ctx context.Context, expr string) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	program, err := ev.pool.GetExpression(expr)
	if err != nil {
		return nil, failf(CodeBadExpression, "", "compiling %q: %v", expr, err)
	}

	result, err := ev.pool.EvaluateExpression(program, ev.scopeVariables())
	if err != nil {
		return nil, failf(CodeBadExpression, "", "evaluating %q: %v", expr, err)
	}
	ev.logger.DebugContext(ctx, "Evaluated expression", "expr", expr, "result", result)
	return result, nil
}

// EvaluateInt reduces an expression and requires an integer result.
func (ev *Evaluator) EvaluateInt(ctx context.Context, expr string) (int64, error) {
	val, err := ev.EvaluateExpression(ctx, expr)
	if err != nil {
		return 0, err
	}
	n, ok := asInt(val)
	if !ok {
		return 0, failf(CodeBadExpression, "", "expression %q evaluated to %T, expected an integer", expr, val)
	}
	return n, nil
}

// scopeVariables flattens the scope stack into an expression activation.
func (ev *Evaluator) scopeVariables() map[string]any {
	vars := map[string]any{
		"_byte_pos": int64(ev.pos.Byte),
		"_bit_pos":  int64(ev.pos.TotalBits()),
	}
	for _, sc := range ev.scopes {
		if sc.members == nil {
			continue
		}
		for _, p := range *sc.members {
			name := p.Name()
			if name == "" {
				continue
			}
			switch p.Kind() {
			case KindBitfieldMember:
				vars[name] = int64(p.(*BitfieldMemberPattern).Value())
			case KindScalar:
				vars[name] = p.(*ScalarPattern).Value()
			case KindString:
				vars[name] = p.(*StringPattern).Value()
			}
		}
	}
	return vars
}

// asInt normalizes the integer shapes the expression layer can hand back.
func asInt(val any) (int64, bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case int:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	}
	return 0, false
}

// asBool normalizes condition results; integers count as C-style truth.
func asBool(val any) (bool, bool) {
	if b, ok := val.(bool); ok {
		return b, true
	}
	if n, ok := asInt(val); ok {
		return n != 0, true
	}
	return false, false
}
