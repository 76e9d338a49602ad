package sqlsession

import (
	"net"
	"net/http"
	"net/netip"
)

// RequestInfo describes the request a handler serves. It decides whether a
// write is internal (server-to-server) and what network identity an external
// write records.
type RequestInfo struct {
	// ClientIP is the address of the caller.
	ClientIP string
	// UserAgent is the caller's User-Agent header.
	UserAgent string
	// ServerAddr is the address the server accepted the request on.
	ServerAddr string
}

// Internal reports whether the request came from the server itself. Internal
// writes leave the stored client IP and user agent untouched.
func (ri RequestInfo) Internal() bool {
	client, err := netip.ParseAddr(ri.ClientIP)
	if err != nil {
		return false
	}
	server, err := netip.ParseAddr(ri.ServerAddr)
	if err != nil {
		return false
	}
	return client.Unmap() == server.Unmap()
}

// RequestInfoFromRequest builds a RequestInfo from an incoming request. The
// client address comes from RemoteAddr, so deploy a proxy-header middleware
// in front when the server sits behind a reverse proxy.
func RequestInfoFromRequest(r *http.Request) RequestInfo {
	ri := RequestInfo{
		ClientIP:  hostOnly(r.RemoteAddr),
		UserAgent: r.UserAgent(),
	}
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		ri.ServerAddr = hostOnly(addr.String())
	}
	return ri
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
