// Package msgstore holds the message log of the active conversation.
//
// The log is an ordered, deduplicated sequence: confirmed messages form a
// prefix sorted by (CreatedAt, ID), and locally originated messages that are
// still pending or have failed follow at the tail in submission order. An
// index by server ID makes duplicate detection O(1) and an index by client
// temp ID lets an echo promote its pending entry in place.
//
// A Store is not safe for concurrent use; it is owned by a single session
// loop.
package msgstore
