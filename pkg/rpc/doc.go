/*
Package rpc abstracts the network transport of Sonata as an Engine and
implements it over gRPC.

One gRPC service per provider id ("sonata.p<ID>"), one method per wire
operation, bodies encoded by a JSON codec. Dispatch goes through the
server's unknown-service handler instead of generated stubs, which keeps
the wire names exactly as published (sonata_store, sonata_fetch, ...)
and lets providers register and deregister while the server is running.

The client side addresses a provider by (address, provider id). Call is
the blocking form; CallAsync returns a Pending handle that the client
package wraps into an AsyncRequest. Connections are cached per address.
*/
package rpc
