// Package ip resolves the originating client address of an HTTP request.
package ip

import (
	"net"
	"net/http"
	"strings"
)

// ClientAddr returns the client address for the request, preferring the
// X-Forwarded-For header set by reverse proxies, then an optional custom
// header, then the socket address. When a header carries a chain of hops the
// first entry is the client.
func ClientAddr(req *http.Request, customHeader string) string {
	addr := req.RemoteAddr
	candidates := []string{req.Header.Get("X-Forwarded-For")}
	if customHeader != "" {
		candidates = append(candidates, req.Header.Get(customHeader))
	}
	for _, candidate := range append(candidates, req.RemoteAddr) {
		if candidate != "" {
			addr = candidate
			break
		}
	}

	first := strings.TrimSpace(strings.Split(addr, ",")[0])
	if host, _, err := net.SplitHostPort(first); err == nil {
		return host
	}
	if net.ParseIP(first) != nil {
		return first
	}
	return addr
}
