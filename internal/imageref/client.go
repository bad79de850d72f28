package imageref

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"
)

// ErrDisallowedAddress is returned when a reference resolves to an internal address.
var ErrDisallowedAddress = errors.New("image url resolves to a disallowed address")

// NewClient returns an HTTP client for fetching client-supplied references.
// Connections to loopback, private, link-local and unspecified addresses are
// refused after DNS resolution, and proxies from the environment are ignored.
func NewClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: rejectInternalAddress,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

func rejectInternalAddress(_ string, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDisallowedAddress, address)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDisallowedAddress, address)
	}
	if !allowedAddress(ip) {
		return fmt.Errorf("%w: %s", ErrDisallowedAddress, ip)
	}
	return nil
}

func allowedAddress(ip netip.Addr) bool {
	ip = ip.Unmap()
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsUnspecified(), ip.IsMulticast(), ip.IsInterfaceLocalMulticast():
		return false
	}
	// carrier-grade NAT
	if ip.Is4() && netip.MustParsePrefix("100.64.0.0/10").Contains(ip) {
		return false
	}
	return true
}
