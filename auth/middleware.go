package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Ramkumar137/DesignMate/db"

	"go.uber.org/zap"
)

type contextKey struct{}

// UserFromContext returns the user placed by RequireUser or OptionalUser.
func UserFromContext(ctx context.Context) (db.User, bool) {
	user, ok := ctx.Value(contextKey{}).(db.User)
	return user, ok
}

func withUser(ctx context.Context, user db.User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// Authenticator is the part of Service the middleware needs.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (db.User, error)
}

// RequireUser rejects requests without a valid bearer token with 401.
func RequireUser(a Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := a.Authenticate(r.Context(), BearerToken(r))
			if err != nil {
				if !errors.Is(err, ErrInvalidToken) {
					logger.Error("authenticate request", zap.Error(err))
				}
				WriteUnauthorized(w, "Could not validate credentials")
				return
			}
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
		})
	}
}

// OptionalUser attaches the user when a valid token is present and lets
// every request through.
func OptionalUser(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := BearerToken(r); token != "" {
				if user, err := a.Authenticate(r.Context(), token); err == nil {
					r = r.WithContext(withUser(r.Context(), user))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// WriteUnauthorized sends 401 with a detail body and the bearer challenge.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeDetail(w, http.StatusUnauthorized, detail)
}

// WriteRateLimited sends 429 with Retry-After in whole seconds.
func WriteRateLimited(w http.ResponseWriter, retry time.Duration) {
	w.Header().Set("Retry-After", formatRetryAfter(retry))
	writeDetail(w, http.StatusTooManyRequests, "Too many signin attempts. Please try again later.")
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// Proxies lists the reverse proxies whose forwarding headers are believed.
// A nil *Proxies trusts nobody.
type Proxies struct {
	nets []*net.IPNet
}

// ParseProxies accepts IPs and CIDR blocks, e.g. "10.0.0.0/8, 127.0.0.1".
func ParseProxies(entries []string) (*Proxies, error) {
	p := &Proxies{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q is not an IP or CIDR", e)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			p.nets = append(p.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		p.nets = append(p.nets, n)
	}
	return p, nil
}

func (p *Proxies) trusted(addr string) bool {
	if p == nil {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	for _, n := range p.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the peer address. Forwarding headers count only when the
// peer is a trusted proxy; X-Forwarded-For is then read right to left and
// the first hop that is not itself a trusted proxy wins.
func (p *Proxies) ClientIP(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	if !p.trusted(remote) {
		return remote
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !p.trusted(hop) {
				return hop
			}
		}
		if first := strings.TrimSpace(hops[0]); first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return remote
}

// ClientIP is the peer address with no trusted proxies.
func ClientIP(r *http.Request) string {
	var none *Proxies
	return none.ClientIP(r)
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(d.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
