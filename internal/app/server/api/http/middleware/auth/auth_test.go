package auth

import (
	"context"
	"net/http"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

type pingOutput struct {
	Body struct {
		Pong bool `json:"pong"`
	}
}

func newProtectedAPI(t *testing.T, token string) humatest.TestAPI {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)

	_, api := humatest.New(t)
	huma.Register(api, huma.Operation{
		OperationID: "ping",
		Method:      http.MethodGet,
		Path:        "/ping",
		Middlewares: huma.Middlewares{New(string(hash), slog.Default()).Middleware()},
	}, func(_ context.Context, _ *struct{}) (*pingOutput, error) {
		out := &pingOutput{}
		out.Body.Pong = true
		return out, nil
	})
	return api
}

func TestAuth_Middleware(t *testing.T) {
	api := newProtectedAPI(t, "field-token")

	tests := []struct {
		name       string
		header     []any
		wantStatus int
	}{
		{name: "valid token", header: []any{"Authorization: Bearer field-token"}, wantStatus: http.StatusOK},
		{name: "valid token again", header: []any{"Authorization: Bearer field-token"}, wantStatus: http.StatusOK},
		{name: "wrong token", header: []any{"Authorization: Bearer nope"}, wantStatus: http.StatusUnauthorized},
		{name: "no scheme", header: []any{"Authorization: field-token"}, wantStatus: http.StatusUnauthorized},
		{name: "no header", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.Get("/ping", tt.header...)
			assert.Equal(t, tt.wantStatus, resp.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, resp.Body.String(), `"status":401`)
				assert.NotEmpty(t, resp.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestAuth_CachedTokenDoesNotLeakToOthers(t *testing.T) {
	api := newProtectedAPI(t, "field-token")

	assert.Equal(t, http.StatusOK, api.Get("/ping", "Authorization: Bearer field-token").Code)
	assert.Equal(t, http.StatusUnauthorized, api.Get("/ping", "Authorization: Bearer field-token2").Code)
	assert.Equal(t, http.StatusUnauthorized, api.Get("/ping", "Authorization: Bearer field-toke").Code)
}
