// ABOUTME: Root package carrying the version and the package overview
// ABOUTME: The command line tool lives in cmd/snapgraph

// Package snapgraph reconstructs the managed object graph of a game runtime
// memory capture and analyzes it.
//
// A capture is loaded by heapdump, crawled from its GC handles and static
// fields by crawler, navigated value by value with objectdata and analyzed
// for dominators, retained sizes and paths to roots by graph.
package snapgraph

// Version is the semantic version of the snapgraph tool
const Version = "0.1.0-dev"
