package shared

import (
	"reflect"
	"regexp"
	"time"
)

// Equal reports whether a and b are deeply equal context values. Numbers
// are compared by value whatever their Go type, times by instant, regular
// expressions by source, stored callables by identity and Remote stubs
// by path. A sentinel is equal to a Remote stub, so that receiving the
// same function twice is not a change. A Func is never equal to anything:
// assigning one is always a change. Values of different kinds are never
// equal.
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}

	switch a := a.(type) {
	case string:
		switch b := b.(type) {
		case string:
			return a == b
		case *Remote:
			return a == FuncSentinel
		}
		return false

	case bool:
		bb, ok := b.(bool)
		return ok && a == bb

	case time.Time:
		bt, ok := b.(time.Time)
		return ok && a.Equal(bt)

	case *regexp.Regexp:
		br, ok := b.(*regexp.Regexp)
		return ok && a.String() == br.String()

	case Func:
		return false

	case *callable:
		bc, ok := b.(*callable)
		return ok && a == bc

	case *Remote:
		switch b := b.(type) {
		case *Remote:
			return equalPath(a.Path, b.Path)
		case string:
			return b == FuncSentinel
		}
		return false

	case map[string]interface{}:
		bm, ok := b.(map[string]interface{})
		if !ok || len(a) != len(bm) {
			return false
		}
		for k, v := range a {
			bv, ok := bm[k]
			if !ok || !Equal(v, bv) {
				return false
			}
		}
		return true
	}

	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if isList(ra) || isList(rb) {
		if !isList(ra) || !isList(rb) || ra.Len() != rb.Len() {
			return false
		}
		for i := 0; i < ra.Len(); i++ {
			if !Equal(ra.Index(i).Interface(), rb.Index(i).Interface()) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// isList reports whether v is an array, whatever its element type.
func isList(v reflect.Value) bool {
	return v.Kind() == reflect.Slice || v.Kind() == reflect.Array
}

func equalPath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
