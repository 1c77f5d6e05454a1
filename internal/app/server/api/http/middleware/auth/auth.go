package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

// Auth checks the bearer token against a bcrypt hash.
type Auth struct {
	hash []byte
	log  *slog.Logger

	mu       sync.RWMutex
	verified string
}

func New(tokenHash string, log *slog.Logger) *Auth {
	return &Auth{
		hash: []byte(tokenHash),
		log:  log.With("component", "auth_middleware"),
	}
}

func (a *Auth) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		header := ctx.Header("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			a.log.Warn("missing bearer token", "path", ctx.URL().Path)
			unauthorized(ctx, "missing bearer token")
			return
		}

		if !a.valid(token) {
			a.log.Warn("invalid bearer token", "path", ctx.URL().Path, "remote_addr", ctx.RemoteAddr())
			unauthorized(ctx, "invalid token")
			return
		}

		next(ctx)
	}
}

// valid compares token with the hash. The last accepted token is
// remembered so that bcrypt runs once per token, not once per request.
func (a *Auth) valid(token string) bool {
	a.mu.RLock()
	cached := a.verified
	a.mu.RUnlock()
	if cached != "" && subtle.ConstantTimeCompare([]byte(cached), []byte(token)) == 1 {
		return true
	}

	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return false
	}

	a.mu.Lock()
	a.verified = token
	a.mu.Unlock()
	return true
}

func unauthorized(ctx huma.Context, detail string) {
	ctx.SetHeader("Content-Type", "application/problem+json")
	ctx.SetHeader("WWW-Authenticate", `Bearer realm="fieldsync"`)
	ctx.SetStatus(http.StatusUnauthorized)
	_ = json.NewEncoder(ctx.BodyWriter()).Encode(huma.ErrorModel{
		Title:  http.StatusText(http.StatusUnauthorized),
		Status: http.StatusUnauthorized,
		Detail: detail,
	})
}
