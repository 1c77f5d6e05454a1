// Package api exposes the reference remote authority over HTTP.
//
//	GET    /api/v1/health
//	GET    /api/v1/{type}/records?since=   (auth)
//	POST   /api/v1/{type}/records          (auth)
//	PUT    /api/v1/{type}/records/{id}     (auth)
//	DELETE /api/v1/{type}/records/{id}     (auth)
package api

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/exp/slog"

	healthAPI "fieldsync/internal/app/server/api/http/health"
	"fieldsync/internal/app/server/api/http/middleware/auth"
	"fieldsync/internal/app/server/api/http/middleware/logger"
	recordAPI "fieldsync/internal/app/server/api/http/record"
	"fieldsync/internal/domain/authority"
	mw "fieldsync/internal/handler/middleware"
)

type Handlers struct {
	Health *healthAPI.Handler
	Record *recordAPI.Handler
}

// Deps are the services the API is built on.
type Deps struct {
	DB        healthAPI.Pinger
	Authority authority.Servicer
	// TokenHash is the bcrypt hash of the accepted bearer token.
	TokenHash string
}

// New creates a *chi.Mux with every operation registered through huma.
func New(deps Deps, log *slog.Logger) *chi.Mux {
	mux := chi.NewMux()
	mux.Use(middleware.Recoverer)

	config := huma.DefaultConfig("fieldsync API", "1.0.0")
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer"},
	}

	API := humachi.New(mux, config)

	h := handlers(deps, log)
	h.Health.SetupRoutes(API)
	h.Record.SetupRoutes(API)

	return mux
}

func handlers(deps Deps, log *slog.Logger) *Handlers {
	authMW := auth.New(deps.TokenHash, log)
	loggerMW := logger.New(log)
	middlewares := mw.NewContainer()

	middlewares.Add(loggerMW.Middleware())
	healthHandler := healthAPI.NewHandler(deps.DB, log, middlewares.GetAllAndClear())

	middlewares.Add(loggerMW.Middleware())
	middlewares.Add(authMW.Middleware())
	recordHandler := recordAPI.NewHandler(deps.Authority, log, middlewares.GetAllAndClear())

	return &Handlers{
		Health: healthHandler,
		Record: recordHandler,
	}
}
