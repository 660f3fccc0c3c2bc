/*
Package backend defines the storage contract of Sonata and the registry
of backend types.

Backend is the interface every database implementation satisfies; all
operations return Result envelopes and never raise across the boundary.
The registry maps a type name to a pair of factories (create-new and
open-existing); backend packages register themselves from init, so a
blank import is all it takes to make a type available:

	import _ "github.com/mochi-hpc/sonata/pkg/backend/vector"

Production types: "vector" and "null" (in-memory), "scripted"
(persistent, predicate and exec capable), and the "lazy" and
"aggregator" decorators, which wrap any inner type and trade latency
for throughput.
*/
package backend
