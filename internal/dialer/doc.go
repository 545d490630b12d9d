// Package dialer provides outbound dialing implementations used by
// sockredirect.
//
// Dialers implement a small interface (DialContext). The direct dialer
// connects as asked; the redirect dialer runs every connect through the
// redirect hooks, so callers that dial through it are transparently sent to
// the configured proxy.
package dialer
