/*
Package client provides the typed facades Sonata clients program
against.

Client opens Database handles by (address, provider id, name); Database
manages collections and runs server-side scripts; Collection carries
the record operations. Admin drives the token-guarded database
lifecycle.

Every collection operation has two forms: a blocking one returning the
value, and a non-blocking one writing through an out-parameter once the
returned AsyncRequest is waited on:

	var id uint64
	req := coll.StoreAsync(`{"name":"A"}`, &id, false)
	// ... overlap other work ...
	if err := req.Wait(); err != nil { ... }

Wait runs the completion callback at most once. Operations issued on
one collection by one goroutine complete on the server in issue order
as long as their AsyncRequests are awaited in issue order.
*/
package client
