// Package scripted provides the persistent backend. Documents live in a
// bbolt key-value file; every operation is carried out by a small
// synthesized script running in an embedded Lua VM, which is also what
// powers server-side predicates and exec.
package scripted

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mochi-hpc/sonata/pkg/backend"
	"github.com/mochi-hpc/sonata/pkg/client"
	"github.com/mochi-hpc/sonata/pkg/log"
	"github.com/mochi-hpc/sonata/pkg/pool"
	"github.com/mochi-hpc/sonata/pkg/rpc"
	"github.com/mochi-hpc/sonata/pkg/types"
)

func init() {
	backend.Register("scripted", backend.Factory{
		Create: create,
		Attach: attach,
	})
}

// Config is the scripted backend configuration. Path is mandatory
// unless InMemory is set.
type Config struct {
	Path      string `json:"path,omitempty"`
	InMemory  bool   `json:"in-memory,omitempty"`
	Temporary bool   `json:"temporary,omitempty"`
}

// Scripted is the persistent, scripting-capable backend.
type Scripted struct {
	store  *docStore
	config Config
	client *client.Client
	admin  *client.Admin
}

func create(engine rpc.Engine, _ *pool.Pool, raw json.RawMessage) (backend.Backend, error) {
	return open(engine, raw, true)
}

func attach(engine rpc.Engine, _ *pool.Pool, raw json.RawMessage) (backend.Backend, error) {
	return open(engine, raw, false)
}

func open(engine rpc.Engine, raw json.RawMessage, createNew bool) (backend.Backend, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("invalid scripted backend config: %w", err)
		}
	}
	store, err := openStore(cfg.Path, createNew, cfg.Temporary, cfg.InMemory)
	if err != nil {
		return nil, err
	}
	b := &Scripted{store: store, config: cfg}
	if engine != nil {
		b.client = client.New(engine)
		b.admin = client.NewAdmin(engine)
	}
	scriptedLog := log.WithComponent("scripted")
	scriptedLog.Debug().Str("path", store.path).Bool("create", createNew).Msg("opened database")
	return b, nil
}

// kindFor classifies script-level error messages into envelope kinds.
func kindFor(msg string) types.ErrKind {
	switch {
	case strings.Contains(msg, "does not exist"):
		return types.ErrNotFound
	case strings.Contains(msg, "already exists"):
		return types.ErrAlreadyExists
	case strings.Contains(msg, "empty collection"):
		return types.ErrEmpty
	case strings.Contains(msg, "not a JSON object"), strings.Contains(msg, "invalid"):
		return types.ErrInvalid
	default:
		return types.ErrIO
	}
}

func scriptErr[T any](err error) types.Result[T] {
	return types.Err[T](types.ErrInvalid, err.Error())
}

func (b *Scripted) maybeSync(commit bool) {
	if commit {
		if err := b.store.sync(); err != nil {
			scriptedLog := log.WithComponent("scripted")
			scriptedLog.Error().Err(err).Msg("sync failed")
		}
	}
}

func (b *Scripted) CreateCollection(name string) types.Result[bool] {
	const script = `
if db_exists(collection) then
  ret = false
  err = "collection already exists"
else
  ret = db_create(collection)
  if not ret then err = db_errlog() end
end`
	vm := newVM(b, script)
	defer vm.close()
	vm.setString("collection", name)
	if err := vm.run(); err != nil {
		return scriptErr[bool](err)
	}
	if !vm.getBool("ret") {
		msg := vm.getString("err")
		return types.Err[bool](kindFor(msg), msg)
	}
	b.maybeSync(true)
	return types.Ok(true)
}

func (b *Scripted) OpenCollection(name string) types.Result[bool] {
	const script = `ret = db_exists(collection)`
	vm := newVM(b, script)
	defer vm.close()
	vm.setString("collection", name)
	if err := vm.run(); err != nil {
		return scriptErr[bool](err)
	}
	if !vm.getBool("ret") {
		return types.Errf[bool](types.ErrNotFound, "collection %s does not exist", name)
	}
	return types.Ok(true)
}

func (b *Scripted) DropCollection(name string) types.Result[bool] {
	const script = `
if not db_exists(collection) then
  ret = false
  err = "collection does not exist"
else
  ret = db_drop_collection(collection)
  if not ret then err = db_errlog() end
end`
	vm := newVM(b, script)
	defer vm.close()
	vm.setString("collection", name)
	if err := vm.run(); err != nil {
		return scriptErr[bool](err)
	}
	if !vm.getBool("ret") {
		msg := vm.getString("err")
		return types.Err[bool](kindFor(msg), msg)
	}
	b.maybeSync(true)
	return types.Ok(true)
}

func (b *Scripted) Store(coll, record string, commit bool) types.Result[uint64] {
	if !types.IsObject(json.RawMessage(record)) {
		return types.Err[uint64](types.ErrInvalid, "record is not a JSON object")
	}
	const script = `
if not db_exists(collection) then
  ret = false
  err = "collection does not exist"
else
  id = db_store(collection, input)
  if id == nil then
    ret = false
    err = db_errlog()
  else
    ret = true
  end
end`
	vm := newVM(b, script)
	defer vm.close()
	vm.setString("collection", coll)
	if err := vm.setJSON("input", []byte(record)); err != nil {
		return types.Err[uint64](types.ErrInvalid, err.Error())
	}
	if err := vm.run(); err != nil {
		return scriptErr[uint64](err)
	}
	if !vm.getBool("ret") {
		msg := vm.getString("err")
		return types.Err[uint64](kindFor(msg), msg)
	}
	id, _ := vm.getUint64("id")
	b.maybeSync(commit)
	return types.Ok(id)
}

func (b *Scripted) StoreJSON(coll string, record json.RawMessage, commit bool) types.Result[uint64] {
	return b.Store(coll, string(record), commit)
}

func (b *Scripted) StoreMulti(coll string, records []string, commit bool) types.Result[[]uint64] {
	for _, r := range records {
		if !types.IsObject(json.RawMessage(r)) {
			return types.Err[[]uint64](types.ErrInvalid, "record is not a JSON object")
		}
	}
	const script = `
ids = {}
if not db_exists(collection) then
  ret = false
  err = "collection does not exist"
else
  ret = true
  for i, r in ipairs(inputs) do
    local id = db_store(collection, r)
    if id == nil then
      ret = false
      err = db_errlog()
      break
    end
    ids[i] = id
  end
end`
	raw, err := json.Marshal(records)
	if err != nil {
		return types.Err[[]uint64](types.ErrInvalid, err.Error())
	}
	vm := newVM(b, script)
	defer vm.close()
	vm.setString("collection", coll)
	if err := vm.setJSON("inputs", raw); err != nil {
		return types.Err[[]uint64](types.ErrInvalid, err.Error())
	}
	if err := vm.run(); err != nil {
		return scriptErr[[]uint64](err)
	}
	if !vm.getBool("ret") {
		msg := vm.getString("err")
		return types.Err[[]uint64](kindFor(msg), msg)
	}
	texts, err := vm.getJSONArray("ids")
	if err != nil {
		return types.Err[[]uint64](types.ErrInternal, err.Error())
	}
	ids := make([]uint64, len(texts))
	for i, t := range texts {
		if err := json.Unmarshal([]byte(t), &ids[i]); err != nil {
			return types.Err[[]uint64](types.ErrInternal, err.Error())
		}
	}
	b.maybeSync(commit)
	return types.Ok(ids)
}

func (b *Scripted) StoreMultiJSON(coll string, records json.RawMessage, commit bool) types.Result[[]uint64] {
	var elems []json.RawMessage
	if err := json.Unmarshal(records, &elems); err != nil {
		return types.Err[[]uint64](types.ErrInvalid, "JSON value is not an array")
	}
	texts := make([]string, len(elems))
	for i, e := range elems {
		texts[i] = string(e)
	}
	return b.StoreMulti(coll, texts, commit)
}

func (b *Scripted) Fetch(coll string, id uint64) types.Result[string] {
	const script = `
if not db_exists(collection) then
  ret = false
  err = "collection does not exist"
else
  output = db_fetch_by_id(collection, id)
  if output == nil then
    ret = false
    err = "record does not exist"
  else
    ret = true
  end
end`
	vm := newVM(b, script)
	defer vm.close()
	vm.setString("collection", coll)
	vm.setNumber("id", id)
	if err := vm.run(); err != nil {
		return scriptErr[string](err)
	}
	if !vm.getBool("ret") {
		msg := vm.getString("err")
		return types.Err[string](kindFor(msg), msg)
	}
	record, err := luaToJSON(vm.L.GetGlobal("output"))
	if err != nil {
		return types.Err[string](types.ErrInternal, err.Error())
	}
	return types.Ok(record)
}

func (b *Scripted) FetchJSON(coll string, id uint64) types.Result[json.RawMessage] {
	r := b.Fetch(coll, id)
	if !r.Success {
		return types.Err[json.RawMessage](r.Kind, r.Error)
	}
	return types.Ok(json.RawMessage(r.Value))
}

// FetchMulti iterates over Fetch; ids that do not resolve to a live
// record yield the empty sentinel.
func (b *Scripted) FetchMulti(coll string, ids []uint64) types.Result[[]string] {
	if open := b.OpenCollection(coll); !open.Success {
		return types.Err[[]string](open.Kind, open.Error)
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		r := b.Fetch(coll, id)
		if r.Success {
			out = append(out, r.Value)
		} else {
			out = append(out, "")
		}
	}
	return types.Ok(out)
}

func (b *Scripted) FetchMultiJSON(coll string, ids []uint64) types.Result[json.RawMessage] {
	r := b.FetchMulti(coll, ids)
	if !r.Success {
		return types.Err[json.RawMessage](r.Kind, r.Error)
	}
	elems := make([]json.RawMessage, len(r.Value))
	for i, rec := range r.Value {
		if rec == "" {
			elems[i] = json.RawMessage("null")
		} else {
			elems[i] = json.RawMessage(rec)
		}
	}
	out, err := json.Marshal(elems)
	if err != nil {
		return types.Err[json.RawMessage](types.ErrInternal, err.Error())
	}
	return types.Ok(json.RawMessage(out))
}

func (b *Scripted) Filter(coll, code string) types.Result[[]string] {
	script := "filter_cb = " + anonymize(code) + "\n" + `
if not db_exists(collection) then
  ret = false
  err = "collection does not exist"
elseif db_total_records(collection) == 0 then
  ret = true
  data = {}
else
  data = db_fetch_all(collection, filter_cb)
  if data == nil then
    ret = false
    err = db_errlog()
  else
    ret = true
  end
end`
	vm := newVM(b, script)
	defer vm.close()
	vm.registerBridge()
	vm.setString("collection", coll)
	if err := vm.run(); err != nil {
		return scriptErr[[]string](err)
	}
	if !vm.getBool("ret") {
		msg := vm.getString("err")
		return types.Err[[]string](kindFor(msg), msg)
	}
	records, err := vm.getJSONArray("data")
	if err != nil {
		return types.Err[[]string](types.ErrInternal, err.Error())
	}
	return types.Ok(records)
}

func (b *Scripted) FilterJSON(coll, code string) types.Result[json.RawMessage] {
	r := b.Filter(coll, code)
	if !r.Success {
		return types.Err[json.RawMessage](r.Kind, r.Error)
	}
	elems := make([]json.RawMessage, len(r.Value))
	for i, rec := range r.Value {
		elems[i] = json.RawMessage(rec)
	}
	out, err := json.Marshal(elems)
	if err != nil {
		return types.Err[json.RawMessage](types.ErrInternal, err.Error())
	}
	return types.Ok(json.RawMessage(out))
}

func (b *Scripted) Update(coll string, id uint64, record string, commit bool) types.Result[bool] {
	if !types.IsObject(json.RawMessage(record)) {
		return types.Err[bool](types.ErrInvalid, "record is not a JSON object")
	}
	const script = `
if not db_exists(collection) then
  ret = false
  err = "collection does not exist"
else
  ret = db_update_record(collection, record_id, input)
  if not ret then err = "record does not exist" end
end`
	vm := newVM(b, script)
	defer vm.close()
	vm.setString("collection", coll)
	vm.setNumber("record_id", id)
	if err := vm.setJSON("input", []byte(record)); err != nil {
		return types.Err[bool](types.ErrInvalid, err.Error())
	}
	if err := vm.run(); err != nil {
		return scriptErr[bool](err)
	}
	if !vm.getBool("ret") {
		msg := vm.getString("err")
		return types.Err[bool](kindFor(msg), msg)
	}
	b.maybeSync(commit)
	return types.Ok(true)
}

func (b *Scripted) UpdateJSON(coll string, id uint64, record json.RawMessage, commit bool) types.Result[bool] {
	return b.Update(coll, id, string(record), commit)
}

func (b *Scripted) UpdateMulti(coll string, ids []uint64, records []string, commit bool) types.Result[[]bool] {
	if open := b.OpenCollection(coll); !open.Success {
		return types.Err[[]bool](open.Kind, open.Error)
	}
	out := make([]bool, 0, len(ids))
	for i, id := range ids {
		if i >= len(records) {
			out = append(out, false)
			continue
		}
		r := b.Update(coll, id, records[i], false)
		out = append(out, r.Success)
	}
	b.maybeSync(commit)
	return types.Ok(out)
}

func (b *Scripted) UpdateMultiJSON(coll string, ids []uint64, records json.RawMessage, commit bool) types.Result[[]bool] {
	var elems []json.RawMessage
	if err := json.Unmarshal(records, &elems); err != nil {
		return types.Err[[]bool](types.ErrInvalid, "JSON value is not an array")
	}
	texts := make([]string, len(elems))
	for i, e := range elems {
		texts[i] = string(e)
	}
	return b.UpdateMulti(coll, ids, texts, commit)
}

func (b *Scripted) All(coll string) types.Result[[]string] {
	const script = `
if not db_exists(collection) then
  ret = false
  err = "collection does not exist"
elseif db_total_records(collection) == 0 then
  ret = true
  data = {}
else
  data = db_fetch_all(collection)
  if data == nil then
    ret = false
    err = db_errlog()
  else
    ret = true
  end
end`
	vm := newVM(b, script)
	defer vm.close()
	vm.setString("collection", coll)
	if err := vm.run(); err != nil {
		return scriptErr[[]string](err)
	}
	if !vm.getBool("ret") {
		msg := vm.getString("err")
		return types.Err[[]string](kindFor(msg), msg)
	}
	records, err := vm.getJSONArray("data")
	if err != nil {
		return types.Err[[]string](types.ErrInternal, err.Error())
	}
	return types.Ok(records)
}

func (b *Scripted) AllJSON(coll string) types.Result[json.RawMessage] {
	r := b.All(coll)
	if !r.Success {
		return types.Err[json.RawMessage](r.Kind, r.Error)
	}
	elems := make([]json.RawMessage, len(r.Value))
	for i, rec := range r.Value {
		elems[i] = json.RawMessage(rec)
	}
	out, err := json.Marshal(elems)
	if err != nil {
		return types.Err[json.RawMessage](types.ErrInternal, err.Error())
	}
	return types.Ok(json.RawMessage(out))
}

func (b *Scripted) LastID(coll string) types.Result[uint64] {
	const script = `
if not db_exists(collection) then
  ret = false
  err = "collection does not exist"
else
  id = db_last_record_id(collection)
  if id == nil then
    ret = false
    err = "empty collection"
  else
    ret = true
  end
end`
	vm := newVM(b, script)
	defer vm.close()
	vm.setString("collection", coll)
	if err := vm.run(); err != nil {
		return scriptErr[uint64](err)
	}
	if !vm.getBool("ret") {
		msg := vm.getString("err")
		return types.Err[uint64](kindFor(msg), msg)
	}
	id, _ := vm.getUint64("id")
	return types.Ok(id)
}

func (b *Scripted) Size(coll string) types.Result[uint64] {
	const script = `
if not db_exists(collection) then
  ret = false
  err = "collection does not exist"
else
  size = db_total_records(collection)
  ret = size ~= nil
  if not ret then err = db_errlog() end
end`
	vm := newVM(b, script)
	defer vm.close()
	vm.setString("collection", coll)
	if err := vm.run(); err != nil {
		return scriptErr[uint64](err)
	}
	if !vm.getBool("ret") {
		msg := vm.getString("err")
		return types.Err[uint64](kindFor(msg), msg)
	}
	size, _ := vm.getUint64("size")
	return types.Ok(size)
}

func (b *Scripted) Erase(coll string, id uint64, commit bool) types.Result[bool] {
	const script = `
if not db_exists(collection) then
  ret = false
  err = "collection does not exist"
else
  rc = db_drop_record(collection, id)
  if rc then
    ret = true
  else
    ret = false
    err = "record does not exist"
  end
end`
	vm := newVM(b, script)
	defer vm.close()
	vm.setString("collection", coll)
	vm.setNumber("id", id)
	if err := vm.run(); err != nil {
		return scriptErr[bool](err)
	}
	if !vm.getBool("ret") {
		msg := vm.getString("err")
		return types.Err[bool](kindFor(msg), msg)
	}
	b.maybeSync(commit)
	return types.Ok(true)
}

func (b *Scripted) EraseMulti(coll string, ids []uint64, commit bool) types.Result[bool] {
	if open := b.OpenCollection(coll); !open.Success {
		return types.Err[bool](open.Kind, open.Error)
	}
	for _, id := range ids {
		b.Erase(coll, id, false)
	}
	b.maybeSync(commit)
	return types.Ok(true)
}

// Execute runs arbitrary user code with the scripting bridge registered
// and extracts the requested variable names afterwards.
func (b *Scripted) Execute(code string, vars []string, commit bool) types.Result[map[string]string] {
	vm := newVM(b, code)
	defer vm.close()
	vm.registerBridge()
	if err := vm.run(); err != nil {
		return scriptErr[map[string]string](err)
	}
	out := make(map[string]string, len(vars))
	for _, name := range vars {
		if name == types.OutputVar {
			out[types.OutputVar] = vm.output()
			continue
		}
		out[name] = vm.serialize(name)
	}
	b.maybeSync(commit)
	return types.Ok(out)
}

// Close releases the underlying file without destroying it, so that a
// later attach can recover the data. Called by the provider on detach.
func (b *Scripted) Close() error {
	return b.store.close()
}

func (b *Scripted) Commit() types.Result[bool] {
	if err := b.store.sync(); err != nil {
		return types.Err[bool](types.ErrIO, err.Error())
	}
	return types.Ok(true)
}

func (b *Scripted) Destroy() types.Result[bool] {
	if err := b.store.destroy(); err != nil {
		return types.Err[bool](types.ErrIO, err.Error())
	}
	return types.Ok(true)
}

func (b *Scripted) GetConfig() string {
	out, err := json.Marshal(b.config)
	if err != nil {
		return "{}"
	}
	return string(out)
}

// anonymize turns a named function declaration into a function
// expression so it can be assigned to the predicate slot.
func anonymize(code string) string {
	trimmed := strings.TrimSpace(code)
	if !strings.HasPrefix(trimmed, "function") {
		return trimmed
	}
	rest := trimmed[len("function"):]
	i := 0
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t' || rest[i] == '\n' || rest[i] == '\r') {
		i++
	}
	j := i
	for j < len(rest) && isIdentChar(rest[j]) {
		j++
	}
	if j == i {
		return trimmed
	}
	return "function" + rest[j:]
}
