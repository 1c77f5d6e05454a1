package record

import (
	"context"
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"fieldsync/internal/domain/authority"
	"fieldsync/internal/domain/record"
)

type Handler struct {
	service    authority.Servicer
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service authority.Servicer, log *slog.Logger, mws huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		log:        log,
		middleware: mws,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.listOp(), h.list)
	huma.Register(api, h.createOp(), h.create)
	huma.Register(api, h.updateOp(), h.update)
	huma.Register(api, h.deleteOp(), h.delete)
}

func (h *Handler) list(ctx context.Context, input *listInput) (*listOutput, error) {
	var since time.Time
	if input.Since != "" {
		var err error
		since, err = time.Parse(time.RFC3339Nano, input.Since)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("since must be an RFC 3339 timestamp", err)
		}
	}

	records, err := h.service.FetchSince(ctx, input.Type, since)
	if err != nil {
		return nil, h.mapError(err)
	}
	if records == nil {
		records = []record.RemoteRecord{}
	}

	return &listOutput{Body: listResponse{Records: records}}, nil
}

func (h *Handler) create(ctx context.Context, input *createInput) (*recordOutput, error) {
	rec, err := h.service.Create(ctx, input.Type, input.Body.DomainKey, input.Body.Payload)
	if err != nil {
		return nil, h.mapError(err)
	}
	return &recordOutput{Body: rec}, nil
}

func (h *Handler) update(ctx context.Context, input *updateInput) (*recordOutput, error) {
	rec, err := h.service.Update(ctx, input.Type, input.ID, input.Body.Payload)
	if err != nil {
		return nil, h.mapError(err)
	}
	return &recordOutput{Body: rec}, nil
}

func (h *Handler) delete(ctx context.Context, input *deleteInput) (*struct{}, error) {
	if err := h.service.Delete(ctx, input.Type, input.ID); err != nil {
		return nil, h.mapError(err)
	}
	return nil, nil
}

func (h *Handler) mapError(err error) error {
	switch {
	case errors.Is(err, authority.ErrNotFound):
		return huma.Error404NotFound("record not found")
	case errors.Is(err, authority.ErrDomainKeyDeleted):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, authority.ErrInvalidPayload), errors.Is(err, record.ErrUnknownType):
		return huma.Error422UnprocessableEntity(err.Error())
	default:
		h.log.Error("request failed", "error", err)
		return huma.Error500InternalServerError("internal error")
	}
}
