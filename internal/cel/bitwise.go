package cel

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// bitwiseFunctions returns CEL function declarations for bitwise operations.
func bitwiseFunctions() cel.EnvOption {
	return cel.Lib(&bitwiseLib{})
}

// performBitwiseOp promotes both operands to uint64 and applies op.
func performBitwiseOp(lhs, rhs ref.Val, op func(uint64, uint64) uint64) ref.Val {
	var l, r uint64
	var lOk, rOk bool

	switch lv := lhs.(type) {
	case types.Int:
		l = uint64(lv)
		lOk = true
	case types.Uint:
		l = uint64(lv)
		lOk = true
	}
	switch rv := rhs.(type) {
	case types.Int:
		r = uint64(rv)
		rOk = true
	case types.Uint:
		r = uint64(rv)
		rOk = true
	}

	if !lOk || !rOk {
		return types.NewErr("bitwise arguments must be integers, got %T and %T", lhs.Value(), rhs.Value())
	}

	result := op(l, r)
	if result <= uint64(^uint64(0)>>1) {
		return types.Int(result)
	}
	return types.Uint(result)
}

type bitwiseLib struct{}

func (*bitwiseLib) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("bitAnd",
			cel.Overload("bitand_numeric", []*cel.Type{cel.DynType, cel.DynType}, cel.DynType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					return performBitwiseOp(lhs, rhs, func(a, b uint64) uint64 { return a & b })
				}),
			),
		),
		cel.Function("bitOr",
			cel.Overload("bitor_numeric", []*cel.Type{cel.DynType, cel.DynType}, cel.DynType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					return performBitwiseOp(lhs, rhs, func(a, b uint64) uint64 { return a | b })
				}),
			),
		),
		cel.Function("bitXor",
			cel.Overload("bitxor_numeric", []*cel.Type{cel.DynType, cel.DynType}, cel.DynType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					return performBitwiseOp(lhs, rhs, func(a, b uint64) uint64 { return a ^ b })
				}),
			),
		),
		cel.Function("bitShiftLeft",
			cel.Overload("bitshiftleft_numeric", []*cel.Type{cel.DynType, cel.DynType}, cel.DynType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					return performBitwiseOp(lhs, rhs, func(a, b uint64) uint64 { return a << b })
				}),
			),
		),
		cel.Function("bitShiftRight",
			cel.Overload("bitshiftright_numeric", []*cel.Type{cel.DynType, cel.DynType}, cel.DynType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					return performBitwiseOp(lhs, rhs, func(a, b uint64) uint64 { return a >> b })
				}),
			),
		),
		cel.Function("bitNot",
			cel.Overload("bitnot_numeric", []*cel.Type{cel.DynType}, cel.DynType,
				cel.UnaryBinding(func(val ref.Val) ref.Val {
					return performBitwiseOp(val, types.Int(0), func(a, _ uint64) uint64 { return ^a })
				}),
			),
		),
	}
}

func (*bitwiseLib) ProgramOptions() []cel.ProgramOption {
	return []cel.ProgramOption{}
}
