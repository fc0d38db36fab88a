package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// NewEnvironment creates a CEL environment with the function libraries the
// template language exposes to attribute arguments, bit counts and
// conditions.
func NewEnvironment() (*cel.Env, error) {
	opts := []cel.EnvOption{
		cel.CustomTypeAdapter(NewNumericTypeAdapter()),
		cel.StdLib(),
		bitwiseFunctions(),
		mathFunctions(),
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// NumericTypeAdapter extends the default type adapter to handle Go's
// smaller numeric types, which show up as field values in activations.
type NumericTypeAdapter struct {
	types.Adapter
}

func NewNumericTypeAdapter() *NumericTypeAdapter {
	return &NumericTypeAdapter{Adapter: types.DefaultTypeAdapter}
}

// NativeToValue converts Go native types to CEL values, widening the small
// integer types the default adapter rejects.
func (a *NumericTypeAdapter) NativeToValue(value any) ref.Val {
	switch v := value.(type) {
	case int8:
		return types.Int(v)
	case int16:
		return types.Int(v)
	case int32:
		return types.Int(v)
	case uint8:
		return types.Int(v)
	case uint16:
		return types.Int(v)
	case uint32:
		return types.Uint(v)
	case float32:
		return types.Double(v)
	default:
		return a.Adapter.NativeToValue(value)
	}
}
