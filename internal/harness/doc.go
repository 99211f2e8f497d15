// Package harness runs multi-peer sync scenarios against real repos.
//
// A scenario names a set of peers, links some of them with in-memory
// sessions, runs a flow of document operations and then checks the state
// every peer converged to.
//
// # Scenario Format
//
//	name: two_peer_sync
//	description: "bob sees alice's edits"
//	peers: [alice, bob]
//	flow:
//	  - peer: alice
//	    create: notes
//	  - peer: alice
//	    doc: notes
//	    set: { title: "hello" }
//	  - connect: [alice, bob]
//	  - peer: bob
//	    open: notes
//	assertions:
//	  - type: content
//	    peer: bob
//	    doc: notes
//	    expect: { title: "hello" }
//	  - type: converged
//	    doc: notes
//
// Documents are referred to by alias. The alias is bound by create or fork
// and resolves to the real document id on every peer.
//
// # Assertion Types
//
//   - content: subset match on a peer's view of a document
//   - converged: every peer that opened the document sees the same content
//   - actor_count: number of actors in a peer's metadata for the document
//   - writable: whether a peer holds a local writer for the document
package harness
