/*
Package provider implements the server-side RPC dispatcher of Sonata.

A Provider is an addressable endpoint hosting a mapping of database name to
backend. Every sonata_* RPC lands here: admin RPCs mutate the mapping under
the admin token, data RPCs look the database up and delegate to its backend.

# Architecture

	┌──────────────────────── PROVIDER ────────────────────────┐
	│                                                           │
	│  ┌───────────────────────────────────────────┐           │
	│  │              RPC engine                    │           │
	│  │  sonata_create_database ... sonata_erase   │           │
	│  └──────────────────┬────────────────────────┘           │
	│                     │ handlers run on the task pool       │
	│  ┌──────────────────▼────────────────────────┐           │
	│  │        name → backend map (RWMutex)        │           │
	│  │  admin RPCs write, data RPCs read          │           │
	│  └──────────────────┬────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼────────────────────────┐           │
	│  │   Backend (vector | null | scripted |      │           │
	│  │            lazy | aggregator)              │           │
	│  └───────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

The mapping is read-mostly: data RPCs take the read lock only for the
lookup and never hold it across a backend call, so a script running on
one database can re-enter the provider to reach another one without
deadlocking.

Admin RPCs verify the configured token before anything else; with no
token configured they are open. destroy is best-effort: the mapping
entry is removed even when the backend's destroy step fails, and the
failure is surfaced to the caller.
*/
package provider
