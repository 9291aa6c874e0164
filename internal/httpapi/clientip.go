package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const clientAddrKey ctxKey = "client_addr"

// TrustedProxies lists the networks whose X-Forwarded-For header is believed.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts CIDRs or bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func (t TrustedProxies) contains(a netip.Addr) bool {
	a = a.Unmap()
	for _, p := range t {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// resolve returns the peer address, or when the peer is a trusted proxy the
// right-most X-Forwarded-For hop that is not itself trusted.
func (t TrustedProxies) resolve(r *http.Request) string {
	peer := remoteHost(r)
	addr, err := netip.ParseAddr(peer)
	if err != nil || len(t) == 0 || !t.contains(addr) {
		return peer
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			return peer
		}
		if !t.contains(hop) {
			return hop.Unmap().String()
		}
	}
	return peer
}

// ClientAddress records the caller's address for rate limiting and session
// metadata. Forwarding headers count only when the peer is in trusted.
func ClientAddress(trusted TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientAddrKey, trusted.resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientIP returns the address stored by ClientAddress, falling back to the
// transport peer.
func clientIP(r *http.Request) string {
	if addr, ok := r.Context().Value(clientAddrKey).(string); ok && addr != "" {
		return addr
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
