package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/rjpalt/KubeMOOC-Ops/pkg/crypto"
	"github.com/rjpalt/KubeMOOC-Ops/pkg/jwt"
)

type authContextKey string

const contextKeyCaller authContextKey = "provisioner-caller"

// callerInfo identifies who invoked a workflow.
type callerInfo struct {
	ID     string
	Method string
}

// Authenticator checks function keys and caller tokens. The zero value accepts everything.
type Authenticator struct {
	keys      []string
	jwtSecret string
}

// NewAuthenticator builds an Authenticator. keys may hold plain keys or bcrypt hashes.
func NewAuthenticator(keys []string, jwtSecret string) *Authenticator {
	a := &Authenticator{jwtSecret: strings.TrimSpace(jwtSecret)}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys = append(a.keys, k)
		}
	}
	return a
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && (len(a.keys) > 0 || a.jwtSecret != "")
}

var (
	errMissingCredentials = errors.New("missing credentials")
	errInvalidCredentials = errors.New("invalid credentials")
)

// Authenticate resolves the caller of req.
func (a *Authenticator) Authenticate(req *http.Request) (callerInfo, error) {
	if !a.Enabled() {
		return callerInfo{ID: "anonymous", Method: "none"}, nil
	}
	if header := req.Header.Get("Authorization"); header != "" && a.jwtSecret != "" {
		token, err := bearerToken(header)
		if err != nil {
			return callerInfo{}, err
		}
		claims, err := jwt.Parse(token, a.jwtSecret)
		if err != nil {
			return callerInfo{}, errInvalidCredentials
		}
		return callerInfo{ID: claims.Caller, Method: "jwt"}, nil
	}
	key := strings.TrimSpace(req.Header.Get("X-Functions-Key"))
	if key == "" {
		key = strings.TrimSpace(req.URL.Query().Get("code"))
	}
	if key == "" {
		return callerInfo{}, errMissingCredentials
	}
	if idx, ok := a.matchKey(key); ok {
		return callerInfo{ID: "key-" + strconv.Itoa(idx), Method: "function_key"}, nil
	}
	return callerInfo{}, errInvalidCredentials
}

func (a *Authenticator) matchKey(key string) (int, bool) {
	for i, stored := range a.keys {
		if crypto.IsHash(stored) {
			if crypto.CompareKey(stored, key) == nil {
				return i, true
			}
			continue
		}
		if len(stored) == len(key) && subtle.ConstantTimeCompare([]byte(stored), []byte(key)) == 1 {
			return i, true
		}
	}
	return 0, false
}

// requireAuth rejects requests without valid credentials before invoking the handler.
func (r *Router) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		info, err := r.auth.Authenticate(req)
		if err != nil {
			r.logger.Warn("request authentication failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyCaller, info)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

type contextSetter interface {
	SetContext(context.Context)
}

func callerFromContext(ctx context.Context) (callerInfo, bool) {
	info, ok := ctx.Value(contextKeyCaller).(callerInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

// WarnIfOpen logs once at startup when no credentials are configured.
func (a *Authenticator) WarnIfOpen(logger *slog.Logger) {
	if !a.Enabled() {
		logger.Warn("no FUNCTION_KEYS or AUTH_JWT_SECRET configured, workflow endpoints are unauthenticated")
	}
}
