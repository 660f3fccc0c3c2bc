package scripted

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// vm wraps one Lua state prepared for a single backend operation. A
// fresh state is created per call: gopher-lua states are not safe for
// concurrent use, and a throwaway state also means no backend mutex has
// to be held across outbound bridge calls.
type vm struct {
	L       *lua.LState
	backend *Scripted
	code    string
	out     bytes.Buffer
	lastErr string
}

func newVM(b *Scripted, code string) *vm {
	v := &vm{
		L:       lua.NewState(),
		backend: b,
		code:    code,
	}
	v.registerDocPrimitives()
	v.redirectPrint()
	return v
}

func (v *vm) close() {
	v.L.Close()
}

func (v *vm) run() error {
	if err := v.L.DoString(v.code); err != nil {
		return fmt.Errorf("script error: %w", err)
	}
	return nil
}

// output returns everything the script printed.
func (v *vm) output() string {
	return v.out.String()
}

func (v *vm) redirectPrint() {
	v.L.SetGlobal("print", v.L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		for i := 1; i <= top; i++ {
			if i > 1 {
				v.out.WriteByte('\t')
			}
			v.out.WriteString(L.ToStringMeta(L.Get(i)).String())
		}
		v.out.WriteByte('\n')
		return 0
	}))
}

// registerDocPrimitives exposes the document primitives every
// synthesized operation script is built from.
func (v *vm) registerDocPrimitives() {
	L := v.L
	set := func(name string, fn lua.LGFunction) {
		L.SetGlobal(name, L.NewFunction(fn))
	}

	set("db_create", func(L *lua.LState) int {
		name := L.CheckString(1)
		ok, err := v.backend.store.createCollection(name)
		if err != nil {
			v.lastErr = err.Error()
			L.Push(lua.LFalse)
			return 1
		}
		L.Push(lua.LBool(ok))
		return 1
	})
	set("db_exists", func(L *lua.LState) int {
		L.Push(lua.LBool(v.backend.store.exists(L.CheckString(1))))
		return 1
	})
	set("db_drop_collection", func(L *lua.LState) int {
		ok, err := v.backend.store.dropCollection(L.CheckString(1))
		if err != nil {
			v.lastErr = err.Error()
			L.Push(lua.LFalse)
			return 1
		}
		L.Push(lua.LBool(ok))
		return 1
	})
	set("db_store", func(L *lua.LState) int {
		coll := L.CheckString(1)
		record, err := luaToJSON(L.Get(2))
		if err != nil {
			v.lastErr = err.Error()
			L.Push(lua.LNil)
			return 1
		}
		id, err := v.backend.store.storeDoc(coll, record)
		if err != nil {
			v.lastErr = err.Error()
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(id))
		return 1
	})
	set("db_fetch_by_id", func(L *lua.LState) int {
		coll := L.CheckString(1)
		id := uint64(L.CheckNumber(2))
		record, err := v.backend.store.fetchByID(coll, id)
		if err != nil {
			v.lastErr = err.Error()
			L.Push(lua.LNil)
			return 1
		}
		lv, err := jsonToLua(L, []byte(record))
		if err != nil {
			v.lastErr = err.Error()
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lv)
		return 1
	})
	set("db_update_record", func(L *lua.LState) int {
		coll := L.CheckString(1)
		id := uint64(L.CheckNumber(2))
		record, err := luaToJSON(L.Get(3))
		if err != nil {
			v.lastErr = err.Error()
			L.Push(lua.LFalse)
			return 1
		}
		ok, err := v.backend.store.updateRecord(coll, id, record)
		if err != nil {
			v.lastErr = err.Error()
			L.Push(lua.LFalse)
			return 1
		}
		L.Push(lua.LBool(ok))
		return 1
	})
	set("db_drop_record", func(L *lua.LState) int {
		coll := L.CheckString(1)
		id := uint64(L.CheckNumber(2))
		ok, err := v.backend.store.dropRecord(coll, id)
		if err != nil {
			v.lastErr = err.Error()
			L.Push(lua.LFalse)
			return 1
		}
		L.Push(lua.LBool(ok))
		return 1
	})
	set("db_fetch_all", func(L *lua.LState) int {
		coll := L.CheckString(1)
		var cb *lua.LFunction
		if L.GetTop() >= 2 {
			if fn, ok := L.Get(2).(*lua.LFunction); ok {
				cb = fn
			}
		}
		records, err := v.backend.store.fetchAll(coll)
		if err != nil {
			v.lastErr = err.Error()
			L.Push(lua.LNil)
			return 1
		}
		result := L.NewTable()
		for _, record := range records {
			lv, err := jsonToLua(L, []byte(record))
			if err != nil {
				v.lastErr = err.Error()
				L.Push(lua.LNil)
				return 1
			}
			if cb != nil {
				if err := L.CallByParam(lua.P{Fn: cb, NRet: 1, Protect: true}, lv); err != nil {
					v.lastErr = err.Error()
					L.Push(lua.LNil)
					return 1
				}
				keep := lua.LVAsBool(L.Get(-1))
				L.Pop(1)
				if !keep {
					continue
				}
			}
			result.Append(lv)
		}
		L.Push(result)
		return 1
	})
	set("db_last_record_id", func(L *lua.LState) int {
		id, ok, err := v.backend.store.lastRecordID(L.CheckString(1))
		if err != nil {
			v.lastErr = err.Error()
			L.Push(lua.LNil)
			return 1
		}
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(id))
		return 1
	})
	set("db_total_records", func(L *lua.LState) int {
		size, err := v.backend.store.totalRecords(L.CheckString(1))
		if err != nil {
			v.lastErr = err.Error()
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(size))
		return 1
	})
	set("db_errlog", func(L *lua.LState) int {
		L.Push(lua.LString(v.lastErr))
		return 1
	})
}

// setString, setNumber and setJSON seed script globals before a run.
func (v *vm) setString(name, value string) {
	v.L.SetGlobal(name, lua.LString(value))
}

func (v *vm) setNumber(name string, value uint64) {
	v.L.SetGlobal(name, lua.LNumber(value))
}

func (v *vm) setJSON(name string, raw []byte) error {
	lv, err := jsonToLua(v.L, raw)
	if err != nil {
		return err
	}
	v.L.SetGlobal(name, lv)
	return nil
}

func (v *vm) getBool(name string) bool {
	return lua.LVAsBool(v.L.GetGlobal(name))
}

func (v *vm) getString(name string) string {
	return lua.LVAsString(v.L.GetGlobal(name))
}

func (v *vm) getUint64(name string) (uint64, bool) {
	n, ok := v.L.GetGlobal(name).(lua.LNumber)
	if !ok {
		return 0, false
	}
	return uint64(n), true
}

// getJSONArray reads a global holding an array of documents and
// serializes each element.
func (v *vm) getJSONArray(name string) ([]string, error) {
	lv := v.L.GetGlobal(name)
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		if lv == lua.LNil {
			return []string{}, nil
		}
		return nil, fmt.Errorf("variable %q is not an array", name)
	}
	var out []string
	var ferr error
	tbl.ForEach(func(_, elem lua.LValue) {
		if ferr != nil {
			return
		}
		s, err := luaToJSON(elem)
		if err != nil {
			ferr = err
			return
		}
		out = append(out, s)
	})
	if ferr != nil {
		return nil, ferr
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// serialize renders a script variable the way execute() returns it:
// booleans as true/false, numbers bare, strings raw, tables as JSON,
// nil as null.
func (v *vm) serialize(name string) string {
	return serializeLua(v.L.GetGlobal(name))
}

func serializeLua(lv lua.LValue) string {
	switch val := lv.(type) {
	case *lua.LNilType:
		return "null"
	case lua.LBool:
		if bool(val) {
			return "true"
		}
		return "false"
	case lua.LNumber:
		return formatNumber(float64(val))
	case lua.LString:
		return string(val)
	case *lua.LTable:
		s, err := luaToJSON(val)
		if err != nil {
			return "null"
		}
		return s
	default:
		return lv.String()
	}
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// luaToJSON serializes a Lua value as JSON text. Strings are assumed to
// already hold serialized JSON when they parse as such; otherwise they
// are treated as JSON strings.
func luaToJSON(lv lua.LValue) (string, error) {
	if s, ok := lv.(lua.LString); ok {
		raw := json.RawMessage(s)
		if json.Valid(raw) {
			return string(s), nil
		}
		out, err := json.Marshal(string(s))
		return string(out), err
	}
	native, err := luaToGo(lv, 0)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(native)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

const maxConvDepth = 64

func luaToGo(lv lua.LValue, depth int) (any, error) {
	if depth > maxConvDepth {
		return nil, fmt.Errorf("value nesting too deep")
	}
	switch val := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			return int64(f), nil
		}
		return f, nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		// A table with consecutive integer keys (or no keys at all)
		// serializes as an array, anything else as an object.
		if n := val.MaxN(); n > 0 || tableLen(val) == 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				elem, err := luaToGo(val.RawGetInt(i), depth+1)
				if err != nil {
					return nil, err
				}
				arr = append(arr, elem)
			}
			return arr, nil
		}
		obj := make(map[string]any)
		var ferr error
		val.ForEach(func(k, v lua.LValue) {
			if ferr != nil {
				return
			}
			key := k.String()
			elem, err := luaToGo(v, depth+1)
			if err != nil {
				ferr = err
				return
			}
			obj[key] = elem
		})
		if ferr != nil {
			return nil, ferr
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported script value type %s", lv.Type())
	}
}

func tableLen(t *lua.LTable) int {
	count := 0
	t.ForEach(func(_, _ lua.LValue) {
		count++
	})
	return count
}

func jsonToLua(L *lua.LState, raw []byte) (lua.LValue, error) {
	var native any
	if err := json.Unmarshal(raw, &native); err != nil {
		return lua.LNil, fmt.Errorf("invalid JSON document: %w", err)
	}
	return goToLua(L, native), nil
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for _, elem := range val {
			tbl.Append(goToLua(L, elem))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, elem := range val {
			tbl.RawSetString(k, goToLua(L, elem))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
