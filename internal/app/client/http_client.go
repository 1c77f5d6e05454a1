package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/exp/slog"

	"fieldsync/internal/domain/record"
	"fieldsync/internal/domain/session"
	"fieldsync/internal/domain/sync"
)

const (
	userAgent = "fieldsync-client/1.0"

	// maxResponseBytes bounds a response body, a full pull batch included.
	maxResponseBytes = 64 << 20
)

// HTTPAuthority is a sync.RemoteAuthority talking to the reference server.
type HTTPAuthority struct {
	client  *http.Client
	baseURL string
	session *session.Session
	maxBody int64
	log     *slog.Logger
}

func NewHTTPAuthority(baseURL string, sess *session.Session, timeout time.Duration, log *slog.Logger) *HTTPAuthority {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 10,
		},
	}

	return &HTTPAuthority{
		client:  client,
		baseURL: baseURL,
		session: sess,
		maxBody: maxResponseBytes,
		log:     log.With("component", "http_authority"),
	}
}

type createRequest struct {
	DomainKey string          `json:"domain_key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type updateRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type listResponse struct {
	Records []record.RemoteRecord `json:"records"`
}

type errorResponse struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// HealthCheck reports whether the server answers.
func (h *HTTPAuthority) HealthCheck(ctx context.Context) error {
	resp, err := h.do(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	return h.parseResponse(resp, nil)
}

func (h *HTTPAuthority) FetchSince(ctx context.Context, t record.EntityType, since time.Time) ([]record.RemoteRecord, error) {
	path := recordsPath(t)
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	resp, err := h.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var out listResponse
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	for i := range out.Records {
		if out.Records[i].Type == "" {
			out.Records[i].Type = t
		}
	}
	return out.Records, nil
}

func (h *HTTPAuthority) Create(ctx context.Context, t record.EntityType, domainKey string, payload json.RawMessage) (*record.RemoteRecord, error) {
	resp, err := h.do(ctx, http.MethodPost, recordsPath(t), createRequest{DomainKey: domainKey, Payload: payload})
	if err != nil {
		return nil, err
	}
	return h.parseRecord(resp, t)
}

func (h *HTTPAuthority) Update(ctx context.Context, t record.EntityType, id string, payload json.RawMessage) (*record.RemoteRecord, error) {
	resp, err := h.do(ctx, http.MethodPut, recordsPath(t)+"/"+url.PathEscape(id), updateRequest{Payload: payload})
	if err != nil {
		return nil, err
	}
	return h.parseRecord(resp, t)
}

func (h *HTTPAuthority) Delete(ctx context.Context, t record.EntityType, id string) error {
	resp, err := h.do(ctx, http.MethodDelete, recordsPath(t)+"/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return h.parseResponse(resp, nil)
}

func recordsPath(t record.EntityType) string {
	return "/api/v1/" + url.PathEscape(string(t)) + "/records"
}

func (h *HTTPAuthority) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := h.session.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	h.log.Debug("sending request", "method", method, "url", req.URL.String())

	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &sync.RemoteError{Kind: sync.ErrUnreachable, Msg: "timeout: " + err.Error()}
		}
		return nil, &sync.RemoteError{Kind: sync.ErrUnreachable, Msg: err.Error()}
	}
	return resp, nil
}

func (h *HTTPAuthority) parseRecord(resp *http.Response, t record.EntityType) (*record.RemoteRecord, error) {
	var rec record.RemoteRecord
	if err := h.parseResponse(resp, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, &sync.RemoteError{Kind: sync.ErrMalformedResponse, Status: resp.StatusCode, Msg: "record without id"}
	}
	if rec.Type == "" {
		rec.Type = t
	}
	return &rec, nil
}

func (h *HTTPAuthority) parseResponse(resp *http.Response, result any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return &sync.RemoteError{Kind: sync.ErrUnreachable, Status: resp.StatusCode, Msg: "read body: " + err.Error()}
	}
	if int64(len(body)) > h.maxBody {
		return &sync.RemoteError{Kind: sync.ErrMalformedResponse, Status: resp.StatusCode, Msg: fmt.Sprintf("response exceeds %d bytes", h.maxBody)}
	}

	h.log.Debug("received response", "status", resp.StatusCode, "bytes", len(body))

	if resp.StatusCode >= http.StatusBadRequest {
		return &sync.RemoteError{Kind: statusKind(resp.StatusCode), Status: resp.StatusCode, Msg: errorMessage(body)}
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return &sync.RemoteError{Kind: sync.ErrMalformedResponse, Status: resp.StatusCode, Msg: err.Error()}
		}
	}
	h.session.MarkContact(time.Now())

	return nil
}

func statusKind(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return sync.ErrUnauthorized
	case status == http.StatusNotFound:
		return sync.ErrRemoteNotFound
	default:
		return sync.ErrServerError
	}
}

func errorMessage(body []byte) string {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		if errResp.Detail != "" {
			return errResp.Detail
		}
		if errResp.Title != "" {
			return errResp.Title
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
