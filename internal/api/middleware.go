/**
 * @description
 * Middleware for the verification-service HTTP layer. The callback endpoint
 * is the only unauthenticated write surface the service exposes, so it is
 * fenced by a source-address allowlist of the gateway's published callback
 * ranges.
 *
 * @dependencies
 * - log, net, net/http, strings: Standard Go libraries.
 */

package api

import (
	"log"
	"net"
	"net/http"
	"strings"
)

// CallbackSourceAllowlist returns middleware that rejects callback deliveries
// from outside the configured CIDR ranges. An empty list disables the check
// (sandbox and local development).
func CallbackSourceAllowlist(cidrs []string) func(http.Handler) http.Handler {
	var networks []*net.IPNet
	for _, raw := range cidrs {
		cidr := strings.TrimSpace(raw)
		if cidr == "" {
			continue
		}
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			log.Printf("level=warn component=api msg=\"ignoring invalid callback CIDR\" cidr=%q err=%v", cidr, err)
			continue
		}
		networks = append(networks, network)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(networks) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			ip := net.ParseIP(host)
			if ip == nil || !ipAllowed(ip, networks) {
				log.Printf("level=warn component=api msg=\"callback from unlisted source rejected\" remote_addr=%s", r.RemoteAddr)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func ipAllowed(ip net.IP, networks []*net.IPNet) bool {
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
