package cel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// ExpressionPool caches compiled CEL programs keyed by their source text.
type ExpressionPool struct {
	mu          sync.RWMutex
	expressions map[string]cel.Program
	env         *cel.Env
}

// NewExpressionPool creates a pool over the default template environment.
func NewExpressionPool() (*ExpressionPool, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create environment: %w", err)
	}
	return &ExpressionPool{
		env:         env,
		expressions: make(map[string]cel.Program),
	}, nil
}

// NewExpressionPoolWithEnv creates a pool over a custom CEL environment.
func NewExpressionPoolWithEnv(env *cel.Env) (*ExpressionPool, error) {
	if env == nil {
		return nil, fmt.Errorf("CEL environment cannot be nil")
	}
	return &ExpressionPool{
		env:         env,
		expressions: make(map[string]cel.Program),
	}, nil
}

// GetExpression retrieves or compiles an expression. Identifiers in the
// expression are declared as dynamic variables so that template fields can
// be referenced without an up-front schema of variable names.
func (e *ExpressionPool) GetExpression(exprStr string) (cel.Program, error) {
	e.mu.RLock()
	if program, ok := e.expressions[exprStr]; ok {
		e.mu.RUnlock()
		return program, nil
	}
	e.mu.RUnlock()

	envOpts := []cel.EnvOption{}
	for _, varName := range extractVariables(exprStr) {
		envOpts = append(envOpts, cel.Variable(varName, cel.DynType))
	}

	extEnv, err := e.env.Extend(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to extend environment: %w", err)
	}

	ast, issues := extEnv.Compile(exprStr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	program, err := extEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	e.mu.Lock()
	e.expressions[exprStr] = program
	e.mu.Unlock()

	return program, nil
}

// EvaluateExpression evaluates a compiled expression with parameters.
func (e *ExpressionPool) EvaluateExpression(program cel.Program, params map[string]any) (any, error) {
	if params == nil {
		params = make(map[string]any)
	}

	activation, err := cel.NewActivation(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation: %w", err)
	}

	val, _, err := program.Eval(activation)
	if err != nil {
		return nil, fmt.Errorf("expression evaluation error: %w", err)
	}

	return adaptCELResult(val.Value()), nil
}

// adaptCELResult converts CEL result values to Go native types.
func adaptCELResult(val any) any {
	switch v := val.(type) {
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.Bool:
		return bool(v)
	case types.String:
		return string(v)
	case types.Bytes:
		return []byte(v)
	case types.Null:
		return nil
	case ref.Val:
		if lister, ok := v.(traits.Lister); ok {
			size := lister.Size().(types.Int)
			result := make([]any, size)
			for i := types.Int(0); i < size; i++ {
				result[i] = adaptCELResult(lister.Get(i).Value())
			}
			return result
		}
		if mapper, ok := v.(traits.Mapper); ok {
			result := make(map[string]any)
			iter := mapper.Iterator()
			for iter.HasNext() == types.True {
				key := iter.Next()
				keyStr, ok := key.Value().(string)
				if !ok {
					keyStr = fmt.Sprintf("%v", key.Value())
				}
				result[keyStr] = adaptCELResult(mapper.Get(key).Value())
			}
			return result
		}
		return v.Value()
	default:
		return v
	}
}

// extractVariables analyzes an expression to find identifier references
// that need a declaration. Standard functions are resolved by the CEL
// environment; only language keywords and literals are excluded here, so
// field names that happen to shadow a function still work as variables.
func extractVariables(expr string) []string {
	var vars []string
	varSet := make(map[string]bool)

	keywords := map[string]bool{
		"true":  true,
		"false": true,
		"null":  true,
		"in":    true,
	}

	addWord := func(word string) {
		if word == "" || keywords[word] || varSet[word] {
			return
		}
		if word[0] >= '0' && word[0] <= '9' {
			return
		}
		varSet[word] = true
		vars = append(vars, word)
	}

	inWord := false
	inString := false
	var quote rune
	start := 0
	for i, c := range expr {
		if inString {
			if c == quote {
				inString = false
			}
			continue
		}
		if c == '\'' || c == '"' {
			inString = true
			quote = c
			if inWord {
				inWord = false
				addWord(expr[start:i])
			}
			continue
		}

		isWordChar := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
		if isWordChar && !inWord {
			inWord = true
			start = i
		} else if !isWordChar && inWord {
			inWord = false
			addWord(expr[start:i])
		}
	}
	if inWord {
		addWord(expr[start:])
	}

	return vars
}
