// Package transport implements the netwire connection layer: endpoint
// lifecycle guards around raw connections, the client and server state
// machines, request/response correlation, and the NetworkContext that
// aggregates registries, the shared worker pool and global event
// dispatch.
//
// Locking discipline: every registry (client endpoints, server
// endpoints, context clients/servers/endpoints, event handlers, stats)
// has its own lock, and no lock is ever held across a blocking I/O
// call. Registries are locked only to mutate the collection itself, so
// callers must tolerate an entry going stale between lookup and use;
// every I/O path revalidates endpoint state before touching the
// connection. The only locks held across I/O are the per-endpoint
// read and write mutexes, which exist to keep concurrent pollers from
// interleaving partial frames.
package transport
