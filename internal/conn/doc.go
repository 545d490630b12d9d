// Package conn holds connection plumbing shared by the listeners: keepalive
// listeners and bidirectional copy.
package conn
