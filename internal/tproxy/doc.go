// Package tproxy implements a transparent relay for redirected connections.
//
// Connections arrive with the relay's own address as their destination.
// The relay recovers the address the client originally asked for through an
// origdst.Lookuper (in process, through queryd, or with SO_ORIGINAL_DST on
// Linux), dials it and splices the two connections.
package tproxy
