package binpattern

// PatternToMap converts a pattern tree into plain maps and values suitable
// for JSON serialization. Hidden patterns are dropped; a display-name
// override replaces the declared field name.
func PatternToMap(p Pattern) any {
	switch p.Kind() {
	case KindStruct:
		out := make(map[string]any)
		for _, member := range p.(*StructPattern).Members() {
			addVisible(out, member)
		}
		return out
	case KindBitfield:
		out := make(map[string]any)
		for _, field := range p.(*BitfieldPattern).Fields() {
			addVisible(out, field)
		}
		return out
	case KindBitfieldMember:
		return p.(*BitfieldMemberPattern).Value()
	case KindScalar:
		return p.(*ScalarPattern).Value()
	case KindString:
		return p.(*StringPattern).Value()
	}
	return nil
}

func addVisible(out map[string]any, p Pattern) {
	type hideable interface{ Hidden() bool }
	if h, ok := p.(hideable); ok && h.Hidden() {
		return
	}
	name := p.Name()
	type renameable interface{ DisplayName() string }
	if r, ok := p.(renameable); ok && r.DisplayName() != "" {
		name = r.DisplayName()
	}
	if name == "" {
		return
	}
	out[name] = PatternToMap(p)
}
