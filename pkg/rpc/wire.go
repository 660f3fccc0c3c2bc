package rpc

import "encoding/json"

// Request bodies. One struct per RPC family; every body carries the
// database name, collection-level bodies add the collection name.

// AdminRequest is the body of the four mutating admin RPCs and of
// sonata_list_databases. Create/attach fill Type and Config.
type AdminRequest struct {
	Token  string          `json:"token"`
	DBName string          `json:"db,omitempty"`
	Type   string          `json:"type,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// DatabaseRequest addresses a whole database.
type DatabaseRequest struct {
	DB string `json:"db"`
}

// CollectionRequest addresses a collection by name.
type CollectionRequest struct {
	DB   string `json:"db"`
	Coll string `json:"coll"`
}

// ExecRequest carries server-side script code and the variable names to
// extract after execution.
type ExecRequest struct {
	DB     string   `json:"db"`
	Code   string   `json:"code"`
	Vars   []string `json:"vars,omitempty"`
	Commit bool     `json:"commit,omitempty"`
}

// StoreRequest stores one record given as serialized JSON text.
type StoreRequest struct {
	DB     string `json:"db"`
	Coll   string `json:"coll"`
	Record string `json:"record"`
	Commit bool   `json:"commit,omitempty"`
}

// StoreJSONRequest stores one record given as a JSON value.
type StoreJSONRequest struct {
	DB     string          `json:"db"`
	Coll   string          `json:"coll"`
	Record json.RawMessage `json:"record"`
	Commit bool            `json:"commit,omitempty"`
}

// StoreMultiRequest stores a batch of serialized records.
type StoreMultiRequest struct {
	DB      string   `json:"db"`
	Coll    string   `json:"coll"`
	Records []string `json:"records"`
	Commit  bool     `json:"commit,omitempty"`
}

// StoreMultiJSONRequest stores a batch given as one JSON array.
type StoreMultiJSONRequest struct {
	DB      string          `json:"db"`
	Coll    string          `json:"coll"`
	Records json.RawMessage `json:"records"`
	Commit  bool            `json:"commit,omitempty"`
}

// FetchRequest fetches one record by id.
type FetchRequest struct {
	DB   string `json:"db"`
	Coll string `json:"coll"`
	ID   uint64 `json:"id"`
}

// FetchMultiRequest fetches a batch of records by id.
type FetchMultiRequest struct {
	DB   string   `json:"db"`
	Coll string   `json:"coll"`
	IDs  []uint64 `json:"ids"`
}

// FilterRequest runs a server-side predicate over a collection.
type FilterRequest struct {
	DB   string `json:"db"`
	Coll string `json:"coll"`
	Code string `json:"code"`
}

// UpdateRequest replaces the content of one record.
type UpdateRequest struct {
	DB     string `json:"db"`
	Coll   string `json:"coll"`
	ID     uint64 `json:"id"`
	Record string `json:"record"`
	Commit bool   `json:"commit,omitempty"`
}

// UpdateJSONRequest replaces the content of one record with a JSON value.
type UpdateJSONRequest struct {
	DB     string          `json:"db"`
	Coll   string          `json:"coll"`
	ID     uint64          `json:"id"`
	Record json.RawMessage `json:"record"`
	Commit bool            `json:"commit,omitempty"`
}

// UpdateMultiRequest replaces several records; ids and records are
// parallel lists.
type UpdateMultiRequest struct {
	DB      string   `json:"db"`
	Coll    string   `json:"coll"`
	IDs     []uint64 `json:"ids"`
	Records []string `json:"records"`
	Commit  bool     `json:"commit,omitempty"`
}

// UpdateMultiJSONRequest replaces several records from one JSON array.
type UpdateMultiJSONRequest struct {
	DB      string          `json:"db"`
	Coll    string          `json:"coll"`
	IDs     []uint64        `json:"ids"`
	Records json.RawMessage `json:"records"`
	Commit  bool            `json:"commit,omitempty"`
}

// EraseRequest tombstones one record.
type EraseRequest struct {
	DB     string `json:"db"`
	Coll   string `json:"coll"`
	ID     uint64 `json:"id"`
	Commit bool   `json:"commit,omitempty"`
}

// EraseMultiRequest tombstones a batch of records.
type EraseMultiRequest struct {
	DB     string   `json:"db"`
	Coll   string   `json:"coll"`
	IDs    []uint64 `json:"ids"`
	Commit bool     `json:"commit,omitempty"`
}
