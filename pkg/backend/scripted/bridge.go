package scripted

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/mochi-hpc/sonata/pkg/client"
	"github.com/mochi-hpc/sonata/pkg/log"
	"github.com/mochi-hpc/sonata/pkg/types"
)

// The scripting bridge re-enters the Client and Admin facades from
// inside the VM. Bridge errors are reported as context errors: the
// failing call evaluates to nil and the surrounding script keeps
// running, mirroring how facade exceptions surface to scripts.

const bridgePendingType = "sonata.pending"

// bridgePending is an asynchronous bridge call in flight. The result is
// kept as a native value and only converted into a script value by
// sntr_wait, on the goroutine owning the Lua state.
type bridgePending struct {
	done  chan struct{}
	value any
	err   error
}

func (p *bridgePending) completed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// registerBridge exposes the snta_/sntd_/sntc_/sntr_ callables and the
// __SCRIPT__ constant holding the original source.
func (v *vm) registerBridge() {
	L := v.L
	L.SetGlobal("__SCRIPT__", lua.LString(v.code))
	set := func(name string, fn func(L *lua.LState) int) {
		L.SetGlobal(name, L.NewFunction(fn))
	}

	// Admin surface
	set("snta_db_create", v.adminBridge("snta_db_create", func(a *client.Admin, addr string, pid uint16, name, dbType, config, token string) error {
		return a.CreateDatabase(addr, pid, name, dbType, []byte(config), token)
	}))
	set("snta_db_attach", v.adminBridge("snta_db_attach", func(a *client.Admin, addr string, pid uint16, name, dbType, config, token string) error {
		return a.AttachDatabase(addr, pid, name, dbType, []byte(config), token)
	}))
	set("snta_db_detach", v.adminLifecycleBridge("snta_db_detach", (*client.Admin).DetachDatabase))
	set("snta_db_destroy", v.adminLifecycleBridge("snta_db_destroy", (*client.Admin).DestroyDatabase))

	// Database surface
	set("sntd_coll_create", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntd_coll_create", 2, 2) {
			return 1
		}
		db, err := v.openRemote(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntd_coll_create", err)
		}
		coll := lua.LVAsString(L.Get(2))
		if coll == "" {
			return v.bridgeFail(L, "sntd_coll_create", fmt.Errorf("invalid collection name argument"))
		}
		if _, err := db.Create(coll); err != nil {
			return v.bridgeFail(L, "sntd_coll_create", err)
		}
		L.Push(lua.LTrue)
		return 1
	})
	set("sntd_coll_exists", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntd_coll_exists", 2, 2) {
			return 1
		}
		db, err := v.openRemote(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntd_coll_exists", err)
		}
		coll := lua.LVAsString(L.Get(2))
		if coll == "" {
			return v.bridgeFail(L, "sntd_coll_exists", fmt.Errorf("invalid collection name argument"))
		}
		exists, err := db.Exists(coll)
		if err != nil {
			return v.bridgeFail(L, "sntd_coll_exists", err)
		}
		L.Push(lua.LBool(exists))
		return 1
	})
	set("sntd_coll_open", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntd_coll_open", 2, 2) {
			return 1
		}
		db, err := v.openRemote(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntd_coll_open", err)
		}
		coll := lua.LVAsString(L.Get(2))
		if coll == "" {
			return v.bridgeFail(L, "sntd_coll_open", fmt.Errorf("invalid collection name argument"))
		}
		exists, err := db.Exists(coll)
		if err != nil {
			return v.bridgeFail(L, "sntd_coll_open", err)
		}
		if !exists {
			L.Push(lua.LNil)
			return 1
		}
		result := L.NewTable()
		result.RawSetString("database", L.Get(1))
		result.RawSetString("collection_name", L.Get(2))
		L.Push(result)
		return 1
	})
	set("sntd_coll_drop", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntd_coll_drop", 2, 2) {
			return 1
		}
		db, err := v.openRemote(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntd_coll_drop", err)
		}
		coll := lua.LVAsString(L.Get(2))
		if coll == "" {
			return v.bridgeFail(L, "sntd_coll_drop", fmt.Errorf("invalid collection name argument"))
		}
		if err := db.Drop(coll); err != nil {
			return v.bridgeFail(L, "sntd_coll_drop", err)
		}
		L.Push(lua.LTrue)
		return 1
	})
	set("sntd_execute", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntd_execute", 2, 3) {
			return 1
		}
		db, err := v.openRemote(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntd_execute", err)
		}
		code, err := v.codeArg(L.Get(2), true)
		if err != nil {
			return v.bridgeFail(L, "sntd_execute", err)
		}
		var vars []string
		if L.GetTop() >= 3 {
			if tbl, ok := L.Get(3).(*lua.LTable); ok {
				tbl.ForEach(func(_, elem lua.LValue) {
					vars = append(vars, lua.LVAsString(elem))
				})
			}
		}
		result, err := db.Execute(code, vars, false)
		if err != nil {
			return v.bridgeFail(L, "sntd_execute", err)
		}
		out := L.NewTable()
		for name, value := range result {
			out.RawSetString(name, lua.LString(value))
		}
		L.Push(out)
		return 1
	})

	// Collection surface
	set("sntc_store", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntc_store", 2, 3) {
			return 1
		}
		coll, err := v.openRemoteCollection(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntc_store", err)
		}
		record, err := v.recordArg(L.Get(2))
		if err != nil {
			return v.bridgeFail(L, "sntc_store", err)
		}
		if v.wantsAsync(L, 3) {
			return v.pushPending(L, func() (any, error) {
				return coll.Store(record, false)
			})
		}
		id, err := coll.Store(record, false)
		if err != nil {
			return v.bridgeFail(L, "sntc_store", err)
		}
		L.Push(lua.LNumber(id))
		return 1
	})
	set("sntc_fetch", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntc_fetch", 2, 3) {
			return 1
		}
		coll, err := v.openRemoteCollection(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntc_fetch", err)
		}
		id, err := intArg(L.Get(2))
		if err != nil {
			return v.bridgeFail(L, "sntc_fetch", err)
		}
		if v.wantsAsync(L, 3) {
			return v.pushPending(L, func() (any, error) {
				record, err := coll.Fetch(id)
				return jsonValue(record), err
			})
		}
		record, err := coll.Fetch(id)
		if err != nil {
			return v.bridgeFail(L, "sntc_fetch", err)
		}
		lv, err := jsonToLua(L, []byte(record))
		if err != nil {
			return v.bridgeFail(L, "sntc_fetch", err)
		}
		L.Push(lv)
		return 1
	})
	set("sntc_filter", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntc_filter", 2, 3) {
			return 1
		}
		coll, err := v.openRemoteCollection(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntc_filter", err)
		}
		code, err := v.codeArg(L.Get(2), false)
		if err != nil {
			return v.bridgeFail(L, "sntc_filter", err)
		}
		if v.wantsAsync(L, 3) {
			return v.pushPending(L, func() (any, error) {
				records, err := coll.Filter(code)
				return jsonList(records), err
			})
		}
		records, err := coll.Filter(code)
		if err != nil {
			return v.bridgeFail(L, "sntc_filter", err)
		}
		L.Push(v.recordsTable(records))
		return 1
	})
	set("sntc_update", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntc_update", 3, 4) {
			return 1
		}
		coll, err := v.openRemoteCollection(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntc_update", err)
		}
		id, err := intArg(L.Get(2))
		if err != nil {
			return v.bridgeFail(L, "sntc_update", err)
		}
		record, err := v.recordArg(L.Get(3))
		if err != nil {
			return v.bridgeFail(L, "sntc_update", err)
		}
		if v.wantsAsync(L, 4) {
			return v.pushPending(L, func() (any, error) {
				return true, coll.Update(id, record, false)
			})
		}
		if err := coll.Update(id, record, false); err != nil {
			return v.bridgeFail(L, "sntc_update", err)
		}
		L.Push(lua.LTrue)
		return 1
	})
	set("sntc_all", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntc_all", 1, 2) {
			return 1
		}
		coll, err := v.openRemoteCollection(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntc_all", err)
		}
		if v.wantsAsync(L, 2) {
			return v.pushPending(L, func() (any, error) {
				records, err := coll.All()
				return jsonList(records), err
			})
		}
		records, err := coll.All()
		if err != nil {
			return v.bridgeFail(L, "sntc_all", err)
		}
		L.Push(v.recordsTable(records))
		return 1
	})
	set("sntc_last_record_id", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntc_last_record_id", 1, 1) {
			return 1
		}
		coll, err := v.openRemoteCollection(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntc_last_record_id", err)
		}
		id, err := coll.LastID()
		if err != nil {
			return v.bridgeFail(L, "sntc_last_record_id", err)
		}
		L.Push(lua.LNumber(id))
		return 1
	})
	set("sntc_size", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntc_size", 1, 1) {
			return 1
		}
		coll, err := v.openRemoteCollection(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntc_size", err)
		}
		size, err := coll.Size()
		if err != nil {
			return v.bridgeFail(L, "sntc_size", err)
		}
		L.Push(lua.LNumber(size))
		return 1
	})
	set("sntc_erase", func(L *lua.LState) int {
		if !v.checkArgs(L, "sntc_erase", 2, 3) {
			return 1
		}
		coll, err := v.openRemoteCollection(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntc_erase", err)
		}
		id, err := intArg(L.Get(2))
		if err != nil {
			return v.bridgeFail(L, "sntc_erase", err)
		}
		if v.wantsAsync(L, 3) {
			return v.pushPending(L, func() (any, error) {
				return true, coll.Erase(id, false)
			})
		}
		if err := coll.Erase(id, false); err != nil {
			return v.bridgeFail(L, "sntc_erase", err)
		}
		L.Push(lua.LTrue)
		return 1
	})

	// Asynchronous handles
	set("sntr_wait", func(L *lua.LState) int {
		pending, err := pendingArg(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntr_wait", err)
		}
		<-pending.done
		if pending.err != nil {
			return v.bridgeFail(L, "sntr_wait", pending.err)
		}
		lv, err := nativeToLua(L, pending.value)
		if err != nil {
			return v.bridgeFail(L, "sntr_wait", err)
		}
		L.Push(lv)
		return 1
	})
	set("sntr_test", func(L *lua.LState) int {
		pending, err := pendingArg(L.Get(1))
		if err != nil {
			return v.bridgeFail(L, "sntr_test", err)
		}
		L.Push(lua.LBool(pending.completed()))
		return 1
	})
}

// adminBridge builds the create/attach callables: five mandatory
// arguments plus an optional token.
func (v *vm) adminBridge(name string, call func(a *client.Admin, addr string, pid uint16, dbName, dbType, config, token string) error) func(*lua.LState) int {
	return func(L *lua.LState) int {
		if !v.checkArgs(L, name, 5, 6) {
			return 1
		}
		if v.backend.admin == nil {
			return v.bridgeFail(L, name, fmt.Errorf("no rpc engine attached"))
		}
		config, err := luaToJSON(L.Get(5))
		if err != nil {
			return v.bridgeFail(L, name, err)
		}
		token := ""
		if L.GetTop() >= 6 {
			token = lua.LVAsString(L.Get(6))
		}
		err = call(v.backend.admin,
			lua.LVAsString(L.Get(1)),
			uint16(lua.LVAsNumber(L.Get(2))),
			lua.LVAsString(L.Get(3)),
			lua.LVAsString(L.Get(4)),
			config, token)
		if err != nil {
			return v.bridgeFail(L, name, err)
		}
		L.Push(lua.LTrue)
		return 1
	}
}

// adminLifecycleBridge builds the detach/destroy callables: three
// mandatory arguments plus an optional token.
func (v *vm) adminLifecycleBridge(name string, call func(a *client.Admin, addr string, pid uint16, dbName, token string) error) func(*lua.LState) int {
	return func(L *lua.LState) int {
		if !v.checkArgs(L, name, 3, 4) {
			return 1
		}
		if v.backend.admin == nil {
			return v.bridgeFail(L, name, fmt.Errorf("no rpc engine attached"))
		}
		token := ""
		if L.GetTop() >= 4 {
			token = lua.LVAsString(L.Get(4))
		}
		err := call(v.backend.admin,
			lua.LVAsString(L.Get(1)),
			uint16(lua.LVAsNumber(L.Get(2))),
			lua.LVAsString(L.Get(3)),
			token)
		if err != nil {
			return v.bridgeFail(L, name, err)
		}
		L.Push(lua.LTrue)
		return 1
	}
}

// checkArgs validates arity. On mismatch it pushes nil so the caller
// can return immediately.
func (v *vm) checkArgs(L *lua.LState, name string, min, max int) bool {
	argc := L.GetTop()
	if argc < min || argc > max {
		scriptedLog := log.WithComponent("scripted")
		scriptedLog.Warn().
			Str("function", name).Int("argc", argc).
			Msg("unexpected number of arguments")
		L.Push(lua.LNil)
		return false
	}
	return true
}

func (v *vm) bridgeFail(L *lua.LState, name string, err error) int {
	scriptedLog := log.WithComponent("scripted")
	scriptedLog.Warn().
		Str("function", name).Err(err).
		Msg("bridge call failed")
	L.Push(lua.LNil)
	return 1
}

// openRemote resolves a database descriptor table into a Database
// handle, without a remote existence check.
func (v *vm) openRemote(lv lua.LValue) (*client.Database, error) {
	if v.backend.client == nil {
		return nil, fmt.Errorf("no rpc engine attached")
	}
	info, err := databaseInfo(lv)
	if err != nil {
		return nil, err
	}
	return v.backend.client.Open(info.Address, info.ProviderID, info.DatabaseName, false)
}

// openRemoteCollection resolves a collection descriptor table.
func (v *vm) openRemoteCollection(lv lua.LValue) (*client.Collection, error) {
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("invalid collection descriptor")
	}
	coll := lua.LVAsString(tbl.RawGetString("collection_name"))
	if coll == "" {
		return nil, fmt.Errorf("missing collection_name in collection descriptor")
	}
	db, err := v.openRemote(tbl.RawGetString("database"))
	if err != nil {
		return nil, err
	}
	return db.Open(coll, false)
}

func databaseInfo(lv lua.LValue) (types.DatabaseDescriptor, error) {
	var info types.DatabaseDescriptor
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		return info, fmt.Errorf("invalid database descriptor")
	}
	info.Address = lua.LVAsString(tbl.RawGetString("address"))
	info.ProviderID = uint16(lua.LVAsNumber(tbl.RawGetString("provider_id")))
	info.DatabaseName = lua.LVAsString(tbl.RawGetString("database_name"))
	if info.Address == "" || info.DatabaseName == "" {
		return info, fmt.Errorf("incomplete database descriptor")
	}
	return info, nil
}

// codeArg resolves a script argument that may be either a source string
// or a function value declared in the surrounding script. Function
// values are resolved by splicing their declaration out of __SCRIPT__;
// withCall appends an invocation of the function.
func (v *vm) codeArg(lv lua.LValue, withCall bool) (string, error) {
	switch arg := lv.(type) {
	case *lua.LFunction:
		name := v.globalName(arg)
		if name == "" {
			return "", fmt.Errorf("could not resolve function argument to a declared name")
		}
		code := extractFunction(v.code, name)
		if code == "" {
			return "", fmt.Errorf("could not find source code for function %s", name)
		}
		if withCall {
			code += "\n" + name + "()\n"
		}
		return code, nil
	case lua.LString:
		return string(arg), nil
	default:
		return "", fmt.Errorf("invalid argument type (expected function or string)")
	}
}

// globalName finds the global a function value is bound to.
func (v *vm) globalName(fn lua.LValue) string {
	name := ""
	v.L.G.Global.ForEach(func(k, val lua.LValue) {
		if val == fn {
			if s, ok := k.(lua.LString); ok {
				name = string(s)
			}
		}
	})
	return name
}

// recordArg converts a record argument (table or string) to JSON text.
func (v *vm) recordArg(lv lua.LValue) (string, error) {
	switch lv.(type) {
	case *lua.LNilType, *lua.LFunction, *lua.LUserData:
		return "", fmt.Errorf("unsupported record type")
	}
	return luaToJSON(lv)
}

func intArg(lv lua.LValue) (uint64, error) {
	n, ok := lv.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("invalid argument type, expected integer")
	}
	return uint64(n), nil
}

func (v *vm) wantsAsync(L *lua.LState, pos int) bool {
	return L.GetTop() >= pos && lua.LVAsBool(L.Get(pos))
}

// pushPending launches fn on its own goroutine and pushes a handle for
// sntr_wait / sntr_test.
func (v *vm) pushPending(L *lua.LState, fn func() (any, error)) int {
	pending := &bridgePending{done: make(chan struct{})}
	go func() {
		defer close(pending.done)
		pending.value, pending.err = fn()
	}()
	ud := L.NewUserData()
	ud.Value = pending
	L.Push(ud)
	return 1
}

func pendingArg(lv lua.LValue) (*bridgePending, error) {
	ud, ok := lv.(*lua.LUserData)
	if !ok {
		return nil, fmt.Errorf("invalid argument (not an asynchronous request object)")
	}
	pending, ok := ud.Value.(*bridgePending)
	if !ok {
		return nil, fmt.Errorf("invalid argument (not an asynchronous request object)")
	}
	return pending, nil
}

// jsonValue and jsonList tag native results so sntr_wait knows how to
// convert them back into script values.
type jsonValue string

type jsonList []string

func nativeToLua(L *lua.LState, value any) (lua.LValue, error) {
	switch val := value.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(val), nil
	case uint64:
		return lua.LNumber(val), nil
	case jsonValue:
		return jsonToLua(L, []byte(val))
	case jsonList:
		tbl := L.NewTable()
		for _, record := range val {
			lv, err := jsonToLua(L, []byte(record))
			if err != nil {
				return lua.LNil, err
			}
			tbl.Append(lv)
		}
		return tbl, nil
	default:
		return lua.LNil, fmt.Errorf("unsupported asynchronous result type %T", value)
	}
}

func (v *vm) recordsTable(records []string) lua.LValue {
	tbl := v.L.NewTable()
	for _, record := range records {
		lv, err := jsonToLua(v.L, []byte(record))
		if err != nil {
			continue
		}
		tbl.Append(lv)
	}
	return tbl
}
