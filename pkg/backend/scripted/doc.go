/*
Package scripted implements the persistent, scripting-capable backend.

Documents live in a bbolt key-value file: one bucket per collection
keyed by 8-byte big-endian record id, plus a __meta__ bucket tracking
id allocation and live counts. Ids are assigned monotonically and never
reused; erasing a record deletes its key but leaves the allocation
cursor untouched.

Every operation is expressed as a small Lua script over registered
document primitives (db_create, db_store, db_fetch_by_id, db_fetch_all,
...) whose result lands in well-known globals (ret, err, id, data,
size) that the backend reads back into a Result envelope. A fresh Lua
state is created per operation: states are not safe for concurrent use,
and a throwaway state means no backend mutex is held across outbound
bridge calls, so scripts can safely RPC back into their own provider.

# Scripting bridge

Before running user code (execute and filter), the backend registers
native callables that re-enter the Client and Admin facades:

	snta_db_create / snta_db_attach / snta_db_detach / snta_db_destroy
	sntd_coll_create / sntd_coll_exists / sntd_coll_open / sntd_coll_drop / sntd_execute
	sntc_store / sntc_fetch / sntc_filter / sntc_update / sntc_all
	sntc_last_record_id / sntc_size / sntc_erase
	sntr_wait / sntr_test

Database arguments are descriptor tables {address, provider_id,
database_name}; collection arguments add {database, collection_name}.
Bridge errors are reported as context errors: the failing call
evaluates to nil and the surrounding script keeps running. When a
bridge callable is passed a declared function instead of a source
string, its declaration is spliced out of __SCRIPT__ (the original
source) by scanning for the function keyword delimited by
non-identifier characters.

The file is opened with NoSync; commit=true and Commit() map to an
explicit fsync. attach on an existing file recovers every non-erased
record with its original id.
*/
package scripted
