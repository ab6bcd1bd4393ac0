package shared

import (
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// FuncSentinel is the wire form of a callable leaf.
const FuncSentinel = "~-=(){}=-~"

// Reply sends the result of an invocation to the caller. It is a no-op
// if the caller did not ask for a reply.
type Reply func(args ...interface{}) error

// Func is a callable leaf of a context.
type Func func(args []interface{}, reply Reply)

func noReply(...interface{}) error { return nil }

// callable is the stored form of a Func. Func values cannot be compared,
// a stored callable is identified by its address.
type callable struct {
	fn Func
}

// exportValue returns the form of a stored leaf given to callers.
func exportValue(v interface{}) interface{} {
	if c, ok := v.(*callable); ok {
		return c.fn
	}
	return v
}

func isPrivate(key string) bool {
	return strings.HasPrefix(key, "_")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func withKey(path []string, key string) []string {
	p := make([]string, len(path)+1)
	copy(p, path)
	p[len(path)] = key
	return p
}

// importValue returns the value to store at path for the change value v.
// Objects and arrays are copied, arrays of any element type becoming
// []interface{}. Funcs are wrapped in a new callable and the FuncSentinel
// becomes a Remote stub when it is an object member.
func (ctx *Context) importValue(v interface{}, path []string) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, vv := range v {
			if isPrivate(k) || vv == nil {
				continue
			}
			if s, ok := vv.(string); ok && s == FuncSentinel {
				m[k] = &Remote{Path: withKey(path, k), peer: ctx.peer}
				continue
			}
			m[k] = ctx.importValue(vv, withKey(path, k))
		}
		return m
	case []interface{}:
		a := make([]interface{}, len(v))
		for i, vv := range v {
			a[i] = ctx.importValue(vv, path)
		}
		return a
	case Func:
		return &callable{fn: v}
	case func([]interface{}, Reply):
		return &callable{fn: Func(v)}
	case []byte:
		return append([]byte(nil), v...)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		a := make([]interface{}, rv.Len())
		for i := range a {
			a[i] = ctx.importValue(rv.Index(i).Interface(), path)
		}
		return a
	}
	return v
}

// wireValue returns the form of v sent to the peer. Funcs become the
// FuncSentinel, Remote stubs are omitted.
func wireValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, vv := range v {
			if isPrivate(k) {
				continue
			}
			if _, ok := vv.(*Remote); ok {
				continue
			}
			m[k] = wireValue(vv)
		}
		return m
	case []interface{}:
		a := make([]interface{}, len(v))
		for i, vv := range v {
			if _, ok := vv.(*Remote); ok {
				continue
			}
			a[i] = wireValue(vv)
		}
		return a
	case *callable, Func:
		return FuncSentinel
	case *regexp.Regexp:
		return v.String()
	default:
		return v
	}
}

// cloneTree copies the objects of the tree, leaves are shared.
func cloneTree(m map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		if vm, ok := v.(map[string]interface{}); ok {
			v = cloneTree(vm)
		}
		c[k] = v
	}
	return c
}

// diff returns the nested change document that turns before into after
// when merged.
func diff(before, after map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k := range before {
		if isPrivate(k) {
			continue
		}
		if _, ok := after[k]; !ok {
			out[k] = nil
		}
	}

	for k, a := range after {
		if isPrivate(k) {
			continue
		}
		b, ok := before[k]
		am, aIsMap := a.(map[string]interface{})
		bm, bIsMap := b.(map[string]interface{})
		if ok && aIsMap && bIsMap {
			if sub := diff(bm, am); len(sub) > 0 {
				out[k] = sub
			}
			continue
		}
		if ok && Equal(a, b) {
			continue
		}
		if _, isRemote := a.(*Remote); isRemote {
			// the peer owns the function
			continue
		}
		out[k] = wireValue(a)
	}
	return out
}

// lookup returns the value at path in m.
func lookup(m map[string]interface{}, path []string) (interface{}, bool) {
	var v interface{} = m
	for _, k := range path {
		vm, ok := v.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if v, ok = vm[k]; !ok {
			return nil, false
		}
	}
	return v, true
}
