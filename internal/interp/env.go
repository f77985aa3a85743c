package interp

// env is a persistent linked environment. Binding never mutates an
// existing env, so closures capture a stable view.
type env struct {
	name   string
	val    Value
	parent *env
}

func (e *env) lookup(name string) (Value, bool) {
	for s := e; s != nil; s = s.parent {
		if s.name == name {
			return s.val, true
		}
	}
	return nil, false
}

func (e *env) bind(name string, v Value) *env {
	return &env{name: name, val: v, parent: e}
}
