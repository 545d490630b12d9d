// Package config holds the redirection configuration: where the proxy
// listens, which process it runs as, and which IPv4 network is subject to
// redirection.
//
// The configuration is installed once by the control process through
// Store.Set and read on every hook invocation through Store.Load. Updates
// replace the whole snapshot atomically; until the first Set, Load returns
// nil and the hooks pass everything through.
package config
