package ratelimit

import (
	"net"
	"net/http"
)

// ClientIP returns the host part of the request's remote address. When the
// gateway runs behind a trusted proxy, handlers.ProxyHeaders rewrites
// RemoteAddr from X-Forwarded-For / X-Real-IP before this is called, so
// forwarded headers are never read directly here.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return ip
}
