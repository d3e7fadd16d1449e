package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"planlock/internal/repo"
)

// Signature headers. Everything in the canonical string travels in these;
// any other header a client sends is ignored for authorization purposes.
const (
	headerSignature = "X-Planlock-Signature"
	headerTimestamp = "X-Planlock-Timestamp"
	headerNonce     = "X-Planlock-Nonce"
	headerTenant    = "X-Planlock-Tenant"
	headerSite      = "X-Planlock-Site"
	headerAdmin     = "X-Planlock-Admin"
	headerActor     = "X-Planlock-Actor"
)

// AuthConfig holds the gateway secrets. PreviousSecret is accepted during
// rotation so in-flight clients keep working; clear it once rotation is
// done. JWTSecret enables the operator read-only path.
type AuthConfig struct {
	ActiveSecret   string
	PreviousSecret string
	JWTSecret      string
	Skew           time.Duration
	Logger         *log.Logger
}

func (c AuthConfig) skew() time.Duration {
	if c.Skew > 0 {
		return c.Skew
	}
	return 120 * time.Second
}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Principal is the authenticated caller. Tenant, Site and Admin come from
// the signed envelope (or the operator token), never from free headers.
type Principal struct {
	TenantID string
	SiteID   string
	ActorID  string
	Admin    bool
	ReadOnly bool
	Source   string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func requirePrincipal(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.TenantID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
}

// CanonicalString reconstructs the signed request representation:
// METHOD, PATH?sorted-query, timestamp, nonce, tenant, site, admin flag,
// and the hex SHA-256 of the body, newline separated. Query parameters are
// sorted so proxies that reorder them cannot break the signature.
func CanonicalString(method, rawPath string, query url.Values, ts, nonce, tenant, site string, admin bool, body []byte) string {
	target := rawPath
	if len(query) > 0 {
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			vals := append([]string{}, query[k]...)
			sort.Strings(vals)
			for _, v := range vals {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		target += "?" + strings.Join(parts, "&")
	}
	bodySum := sha256.Sum256(body)
	adminFlag := "false"
	if admin {
		adminFlag = "true"
	}
	return strings.Join([]string{
		strings.ToUpper(method),
		target,
		ts,
		nonce,
		tenant,
		site,
		adminFlag,
		hex.EncodeToString(bodySum[:]),
	}, "\n")
}

// Sign computes the hex HMAC-SHA256 of the canonical string.
func Sign(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(cfg AuthConfig, canonical, provided string) bool {
	for _, secret := range []string{cfg.ActiveSecret, cfg.PreviousSecret} {
		if secret == "" {
			continue
		}
		expected := Sign(secret, canonical)
		if hmac.Equal([]byte(expected), []byte(provided)) {
			return true
		}
	}
	return false
}

type operatorClaims struct {
	jwt.RegisteredClaims
	Tenant string `json:"tenant"`
	Site   string `json:"site,omitempty"`
}

// authenticateOperator validates a read-only operator token. Operators can
// inspect any state of their tenant but never mutate; mutation always goes
// through the signed envelope.
func authenticateOperator(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("operator tokens not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &operatorClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.Tenant == "" {
		return Principal{}, errors.New("subject and tenant claims required")
	}
	return Principal{
		TenantID: claims.Tenant,
		SiteID:   claims.Site,
		ActorID:  claims.Subject,
		ReadOnly: true,
		Source:   "operator_jwt",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware enforces the signed envelope on every request under
// basePath except health. GETs alternatively accept an operator token.
// The verification order is fixed: shape, skew, signature, nonce — the
// nonce burns only after the signature holds, so an attacker cannot spend
// someone else's nonce with a garbage signature.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo, now func() time.Time) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			sig := strings.TrimSpace(req.Header.Get(headerSignature))
			if sig == "" {
				if req.Method == http.MethodGet {
					if token, ok := bearerToken(req.Header.Get("Authorization")); ok {
						principal, err := authenticateOperator(token, cfg.JWTSecret)
						if err != nil {
							respondStatusError(w, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials", nil))
							return
						}
						next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
						return
					}
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "signed request required", nil))
				return
			}

			ts := strings.TrimSpace(req.Header.Get(headerTimestamp))
			nonce := strings.TrimSpace(req.Header.Get(headerNonce))
			tenant := strings.TrimSpace(req.Header.Get(headerTenant))
			site := strings.TrimSpace(req.Header.Get(headerSite))
			admin := strings.EqualFold(req.Header.Get(headerAdmin), "true")
			actor := strings.TrimSpace(req.Header.Get(headerActor))
			if ts == "" || nonce == "" || tenant == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "incomplete signature envelope", nil))
				return
			}

			tsEpoch, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "malformed timestamp", nil))
				return
			}
			drift := now().UTC().Sub(time.Unix(tsEpoch, 0))
			if drift < 0 {
				drift = -drift
			}
			if drift > cfg.skew() {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "request timestamp outside accepted window", nil))
				return
			}

			canonical := CanonicalString(req.Method, req.URL.Path, req.URL.Query(), ts, nonce, tenant, site, admin, bodyBytes(req.Context()))
			if !validSignature(cfg, canonical, sig) {
				cfg.logger().Printf("auth: bad signature tenant=%s path=%s", tenant, req.URL.Path)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "signature mismatch", nil))
				return
			}

			replayed, err := r.SeenNonce(req.Context(), nonce, now(), nonceTTL(cfg))
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "INTERNAL", "nonce check failed", nil))
				return
			}
			if replayed {
				cfg.logger().Printf("auth: replayed nonce tenant=%s path=%s", tenant, req.URL.Path)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "nonce already used", nil))
				return
			}

			if actor == "" {
				actor = tenant
			}
			principal := Principal{
				TenantID: tenant,
				SiteID:   site,
				ActorID:  actor,
				Admin:    admin,
				Source:   "hmac",
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

// nonceTTL keeps a nonce cached for twice the skew window, which covers
// every timestamp the nonce could still validly accompany.
func nonceTTL(cfg AuthConfig) time.Duration {
	return 2 * cfg.skew()
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
