package record

import (
	"encoding/json"

	"fieldsync/internal/domain/record"
)

type listInput struct {
	Type  record.EntityType `path:"type" doc:"Entity type"`
	Since string            `query:"since" doc:"RFC 3339 timestamp with nanoseconds; empty returns everything" example:"2024-05-01T12:00:00.123456789Z"`
}

type listOutput struct {
	Body listResponse
}

type listResponse struct {
	Records []record.RemoteRecord `json:"records"`
}

type createInput struct {
	Type record.EntityType `path:"type" doc:"Entity type"`
	Body createRequest
}

type createRequest struct {
	DomainKey string          `json:"domain_key,omitempty" required:"false" doc:"Form or feature id; generated when empty"`
	Payload   json.RawMessage `json:"payload" doc:"Record body, a JSON object"`
}

type updateInput struct {
	Type record.EntityType `path:"type" doc:"Entity type"`
	ID   string            `path:"id" doc:"Server id of the record"`
	Body updateRequest
}

type updateRequest struct {
	Payload json.RawMessage `json:"payload" doc:"Record body, a JSON object"`
}

type deleteInput struct {
	Type record.EntityType `path:"type" doc:"Entity type"`
	ID   string            `path:"id" doc:"Server id of the record"`
}

type recordOutput struct {
	Body *record.RemoteRecord
}
