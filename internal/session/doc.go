// Package session holds the relay's session state: an arena of records
// indexed by unguessable id.
//
// Connections reference sessions by id only, so teardown is a single
// arena deletion rather than graph unwinding. The store's lock guards the
// arena map; every record has its own mutex and all mutations on one
// session (join, grant, tool replacement, pending insert/remove) are
// linearizable under it. Unrelated sessions never contend.
//
// The pending-request table is the correlation heart of the relay: an
// entry is inserted when a call is forwarded to the provider and removed
// by exactly one of three paths (response arrived, timeout fired, session
// torn down). Removal under the session mutex is the tiebreaker.
//
// Persistence is optional and injected: the Journal interface records
// lifecycle and grant history, with a no-op default and a SQLite
// implementation. The routing core never blocks on it.
package session
