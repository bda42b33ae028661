// Package wire defines the packet envelope exchanged between netwire
// peers: a fixed big-endian header, a growable checksummed payload, an
// ordered key/value metadata side-table, payload fragmentation and
// reassembly, and length-prefixed stream framing.
//
// Timestamps in the header are Unix nanoseconds.
package wire
