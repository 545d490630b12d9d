// Package ingress lets applications that cannot dial through the redirect
// dialer themselves take part in redirection. They point their SOCKS5
// proxy setting at the daemon, whose outbound connects then go through the
// connection-attempt hook.
package ingress
