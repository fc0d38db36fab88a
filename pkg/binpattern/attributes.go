package binpattern

import (
	"context"
	"sort"
)

// AttributeSet maps attribute names to their argument expressions. Argument
// expressions are reduced to literals through the evaluator when the
// attribute is applied.
type AttributeSet map[string][]string

// Get returns the argument expressions of a named attribute.
func (a AttributeSet) Get(name string) ([]string, bool) {
	args, ok := a[name]
	return args, ok
}

// Has reports whether the attribute is present.
func (a AttributeSet) Has(name string) bool {
	_, ok := a[name]
	return ok
}

func (a AttributeSet) clone() AttributeSet {
	if a == nil {
		return nil
	}
	out := make(AttributeSet, len(a))
	for name, args := range a {
		copied := make([]string, len(args))
		copy(copied, args)
		out[name] = copied
	}
	return out
}

// reservedAttributes are resolved by the bitfield core itself rather than
// the generic application pass.
var reservedAttributes = map[string]bool{
	"bitfield_order": true,
	"left_to_right":  true,
	"right_to_left":  true,
}

// applyTypeAttributes decorates a finished pattern with the generic
// type-level attributes of its declaration: comment, name, color (one
// string argument each) and hidden (no arguments). Attributes the core
// already consumed are skipped.
func applyTypeAttributes(ctx context.Context, ev *Evaluator, attrs AttributeSet, pattern Pattern) error {
	if len(attrs) == 0 {
		return nil
	}

	target, ok := pattern.(decorated)
	if !ok {
		return nil
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		if !reservedAttributes[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		args := attrs[name]
		switch name {
		case "hidden":
			if len(args) != 0 {
				return failf(CodeAttributeArity, "attribute 'hidden'", "expected no arguments, received %d", len(args))
			}
			target.setHidden()
		case "comment", "name", "color":
			if len(args) != 1 {
				return failf(CodeAttributeArity, "attribute '"+name+"'", "expected 1 argument, received %d", len(args))
			}
			val, err := ev.EvaluateExpression(ctx, args[0])
			if err != nil {
				return err
			}
			str, ok := val.(string)
			if !ok {
				return failf(CodeInvalidAttributeValue, "attribute '"+name+"'", "argument must evaluate to a string, got %T", val)
			}
			switch name {
			case "comment":
				target.setComment(str)
			case "name":
				target.setDisplayName(str)
			case "color":
				target.setColor(str)
			}
		default:
			return failf(CodeInvalidAttributeValue, "attribute '"+name+"'", "unknown attribute")
		}
	}
	return nil
}
