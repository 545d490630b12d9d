package ingress

import (
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

var errNoAcceptableMethod = errors.New("client does not offer no-auth")

// negotiate completes the method selection. Only the no-auth method is
// offered: the daemon is meant to be reached from the local host.
func negotiate(c net.Conn) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(c)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}
	if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
		// RFC 1928: 0xFF means no acceptable methods.
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(c)
		return errNoAcceptableMethod
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(c); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

func readRequest(c net.Conn) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(c)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

// writeFailure answers req with rep and a zero bound address of the same
// family.
func writeFailure(c net.Conn, rep, atyp byte) {
	addr := []byte(net.IPv4zero.To4())
	if atyp == txsocks5.ATYPIPv6 {
		addr = []byte(net.IPv6zero)
	} else {
		atyp = txsocks5.ATYPIPv4
	}
	_, _ = txsocks5.NewReply(rep, atyp, addr, []byte{0, 0}).WriteTo(c)
}

// writeSuccess reports bound as BND.ADDR, the local address of the
// outbound connection.
func writeSuccess(c net.Conn, bound net.Addr) error {
	atyp, addr, port, err := txsocks5.ParseAddress(bound.String())
	if err != nil {
		return fmt.Errorf("parse bound address %q: %w", bound, err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, atyp, addr, port).WriteTo(c); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}
