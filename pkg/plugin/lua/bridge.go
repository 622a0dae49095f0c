package lua

import (
	"context"
	"reflect"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Bridge converts values between Go and Lua representations.
type Bridge struct {
	L *lua.LState
}

// NewBridge creates a Bridge for the given interpreter.
func NewBridge(L *lua.LState) *Bridge {
	return &Bridge{L: L}
}

// ToGoValue converts a Lua value to its Go representation. Tables with
// contiguous integer keys from 1 become []any, other tables become
// map[string]any. Functions convert to nil; pass them as *lua.LFunction
// through raw handlers instead.
func (b *Bridge) ToGoValue(lv lua.LValue) any {
	return b.toGo(lv, make(map[*lua.LTable]bool))
}

func (b *Bridge) toGo(lv lua.LValue, visited map[*lua.LTable]bool) any {
	if lv == nil {
		return nil
	}

	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		// Whole numbers come back as int64 so JSON round-trips cleanly.
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			// Break the cycle.
			return nil
		}
		visited[v] = true
		return b.tableToGo(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

func (b *Bridge) tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	isArray := true
	maxN := 0
	count := 0
	t.ForEach(func(k, _ lua.LValue) {
		count++
		kn, ok := k.(lua.LNumber)
		if !ok {
			isArray = false
			return
		}
		n := int(kn)
		if float64(n) != float64(kn) || n < 1 {
			isArray = false
			return
		}
		if n > maxN {
			maxN = n
		}
	})

	if isArray && maxN > 0 && maxN == count {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = b.toGo(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if ok {
			m[string(key)] = b.toGo(v, visited)
			return
		}
		m[k.String()] = b.toGo(v, visited)
	})
	return m
}

// ToLuaValue converts a Go value to its Lua representation. Structs are
// converted field by field using their json tags.
func (b *Bridge) ToLuaValue(v any) lua.LValue {
	if v == nil {
		return lua.LNil
	}

	switch val := v.(type) {
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case time.Time:
		return lua.LString(val.Format(time.RFC3339))
	case []any:
		t := b.L.NewTable()
		for i, e := range val {
			t.RawSetInt(i+1, b.ToLuaValue(e))
		}
		return t
	case []string:
		t := b.L.NewTable()
		for i, s := range val {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	case map[string]any:
		t := b.L.NewTable()
		for k, e := range val {
			t.RawSetString(k, b.ToLuaValue(e))
		}
		return t
	case map[string]string:
		t := b.L.NewTable()
		for k, s := range val {
			t.RawSetString(k, lua.LString(s))
		}
		return t
	case lua.LValue:
		return val
	default:
		return b.reflectToLua(v)
	}
}

// reflectToLua handles pointers, slices, maps, and structs that the
// direct cases above do not cover.
func (b *Bridge) reflectToLua(v any) lua.LValue {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return lua.LNil
	}

	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return lua.LNil
		}
		return b.reflectToLua(rv.Elem().Interface())

	case reflect.Slice, reflect.Array:
		t := b.L.NewTable()
		for i := 0; i < rv.Len(); i++ {
			t.RawSetInt(i+1, b.ToLuaValue(rv.Index(i).Interface()))
		}
		return t

	case reflect.Map:
		t := b.L.NewTable()
		for _, key := range rv.MapKeys() {
			t.RawSet(b.ToLuaValue(key.Interface()), b.ToLuaValue(rv.MapIndex(key).Interface()))
		}
		return t

	case reflect.Struct:
		return b.structToTable(rv)

	default:
		ud := b.L.NewUserData()
		ud.Value = v
		return ud
	}
}

// structToTable converts exported struct fields to table entries, keyed
// by json tag when one is present.
func (b *Bridge) structToTable(rv reflect.Value) *lua.LTable {
	t := b.L.NewTable()
	rt := rv.Type()

	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}

		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name := field.Name
		if head, _, _ := strings.Cut(tag, ","); head != "" {
			name = head
		}

		t.RawSetString(name, b.ToLuaValue(rv.Field(i).Interface()))
	}

	return t
}

// GetTableString reads a string field from a table.
func (b *Bridge) GetTableString(t *lua.LTable, key string) (string, bool) {
	if s, ok := t.RawGetString(key).(lua.LString); ok {
		return string(s), true
	}
	return "", false
}

// GetTableFunc reads a function field from a table.
func (b *Bridge) GetTableFunc(t *lua.LTable, key string) (*lua.LFunction, bool) {
	if f, ok := t.RawGetString(key).(*lua.LFunction); ok {
		return f, true
	}
	return nil, false
}

// GetTableTable reads a table field from a table.
func (b *Bridge) GetTableTable(t *lua.LTable, key string) (*lua.LTable, bool) {
	if sub, ok := t.RawGetString(key).(*lua.LTable); ok {
		return sub, true
	}
	return nil, false
}

// CallFunc calls a Lua function with Go arguments and converts all of
// its return values back to Go.
func (b *Bridge) CallFunc(fn *lua.LFunction, args ...any) ([]any, error) {
	stackTop := b.L.GetTop()

	b.L.Push(fn)
	for _, arg := range args {
		b.L.Push(b.ToLuaValue(arg))
	}

	if err := b.L.PCall(len(args), lua.MultRet, nil); err != nil {
		return nil, err
	}

	nRet := b.L.GetTop() - stackTop
	if nRet <= 0 {
		return nil, nil
	}
	results := make([]any, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = b.ToGoValue(b.L.Get(stackTop + i + 1))
	}
	b.L.Pop(nRet)

	return results, nil
}

// WrapGoFunc adapts a Go function into a Lua function. Arguments are
// converted with ToGoValue; a non-nil result is pushed as the single
// return value; an error becomes a Lua error the plugin may pcall.
func (b *Bridge) WrapGoFunc(fn func(args []any) (any, error)) lua.LGFunction {
	return b.WrapGoFuncCtx(func(_ context.Context, args []any) (any, error) {
		return fn(args)
	})
}

// WrapGoFuncCtx is WrapGoFunc for functions that take a context. The
// wrapped function receives the running evaluation's context, so a host
// call started from plugin code is canceled together with the evaluation
// that started it.
func (b *Bridge) WrapGoFuncCtx(fn func(ctx context.Context, args []any) (any, error)) lua.LGFunction {
	return func(L *lua.LState) int {
		nArgs := L.GetTop()
		args := make([]any, nArgs)
		for i := 1; i <= nArgs; i++ {
			args[i-1] = b.ToGoValue(L.Get(i))
		}

		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		result, err := fn(ctx, args)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}

		if result == nil {
			return 0
		}
		L.Push(b.ToLuaValue(result))
		return 1
	}
}
