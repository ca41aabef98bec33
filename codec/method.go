package codec

import "github.com/Lubby-ch/protorpc-channel/wire"

// Method describes one remote method: its "Service.Method" name and call kind.
type Method struct {
	Name string
	Kind wire.RpcKind
}

// MethodTable is an immutable name -> call kind lookup built once when a client is
// constructed. Methods not listed are single-response.
type MethodTable struct {
	kinds map[string]wire.RpcKind
}

// NewMethodTable builds a table. It panics on an invalid kind or a duplicated
// name, both of which mean the method list itself is wrong.
func NewMethodTable(methods ...Method) MethodTable {
	kinds := make(map[string]wire.RpcKind, len(methods))
	for _, m := range methods {
		if !m.Kind.Valid() {
			panic("codec: method " + m.Name + " has invalid kind " + m.Kind.String())
		}
		if _, dup := kinds[m.Name]; dup {
			panic("codec: method " + m.Name + " listed twice")
		}
		kinds[m.Name] = m.Kind
	}
	return MethodTable{kinds: kinds}
}

// Kind returns the call kind registered for name.
func (t MethodTable) Kind(name string) wire.RpcKind {
	if k, ok := t.kinds[name]; ok {
		return k
	}
	return wire.SingleResponse
}

// Len returns the number of explicitly registered methods.
func (t MethodTable) Len() int { return len(t.kinds) }
