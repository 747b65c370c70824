// Package gateway is the outbound HTTP client for the payment gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/pkg/apperror"
	"payment-callback-gateway/pkg/logger"
	"payment-callback-gateway/pkg/metrics"

	"github.com/rs/zerolog"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20

	opPlace = "place_payment"
	opQuery = "query_status"
)

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements ports.PaymentGateway over the gateway's REST API.
type Client struct {
	http    HTTPClient
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewClient creates a gateway client. Every call is bounded by timeout.
func NewClient(httpClient HTTPClient, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http:    httpClient,
		timeout: timeout,
		metrics: m,
		log:     logger.Component(log, "gateway"),
	}
}

// PlacePayment submits a signed payment:
// POST {base}/merchants/{mid}/transactions/
func (c *Client) PlacePayment(ctx context.Context, req *domain.SignedRequest) (*domain.GatewayResponse, error) {
	body := make(map[string]string, len(req.Fields)+1)
	for k, v := range req.Fields {
		if k == domain.ParamMerchantID || v == "" {
			continue
		}
		body[k] = v
	}
	body["signatureVersion"] = req.SignatureVersion

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payment request: %w", err)
	}

	endpoint, err := endpointURL(req.GatewayURL, "merchants", req.GatewayMerchantID, "transactions", "")
	if err != nil {
		return nil, err
	}
	return c.do(ctx, opPlace, http.MethodPost, endpoint, req, payload)
}

// QueryStatus asks for the live status of an order:
// GET {base}/merchants/{mid}/transactions/{orderID}?signature=...
func (c *Client) QueryStatus(ctx context.Context, req *domain.SignedRequest) (*domain.GatewayResponse, error) {
	orderID := req.Fields[domain.ParamOrderID]
	if orderID == "" {
		return nil, apperror.Validation("missing " + domain.ParamOrderID)
	}

	endpoint, err := endpointURL(req.GatewayURL, "merchants", req.GatewayMerchantID, "transactions", orderID)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set(domain.ParamSignature, req.Signature)
	q.Set("signatureVersion", req.SignatureVersion)
	endpoint += "?" + q.Encode()

	return c.do(ctx, opQuery, http.MethodGet, endpoint, req, nil)
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, req *domain.SignedRequest, payload []byte) (*domain.GatewayResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("x-api-key", req.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.observe(op, 0, start)
		c.log.Warn().Err(err).Str("op", op).Str("order_id", req.Fields[domain.ParamOrderID]).Msg("gateway call failed")
		return nil, apperror.ErrTransportFailure(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	c.observe(op, resp.StatusCode, start)
	if err != nil {
		return nil, apperror.ErrTransportFailure(fmt.Errorf("read %s response: %w", op, err))
	}

	// 5xx answers are the gateway being unavailable, not a verdict on the payment.
	if resp.StatusCode >= http.StatusInternalServerError {
		c.log.Warn().Str("op", op).Int("status", resp.StatusCode).Msg("gateway server error")
		return nil, apperror.ErrTransportFailure(fmt.Errorf("gateway returned HTTP %d", resp.StatusCode))
	}

	decoded, err := decodeResponse(raw)
	if err != nil {
		c.log.Error().Err(err).Str("op", op).Int("status", resp.StatusCode).Msg("undecodable gateway response")
		return nil, apperror.ErrGatewayRejected(resp.StatusCode, "undecodable response body")
	}
	decoded.HTTPStatus = resp.StatusCode

	if resp.StatusCode >= http.StatusBadRequest {
		c.log.Error().
			Str("op", op).
			Int("status", resp.StatusCode).
			Str("order_id", req.Fields[domain.ParamOrderID]).
			Str("message", decoded.Response.Message).
			Str("detail", decoded.Response.Detail).
			Str("reason", decoded.Response.Reason).
			Msg("gateway returned error status")
	}
	return decoded, nil
}

func (c *Client) observe(op string, status int, start time.Time) {
	if c.metrics != nil {
		c.metrics.GatewayCall(op, status, time.Since(start))
	}
}

type envelope struct {
	Response domain.GatewayMessage `json:"response"`
	Reply    json.RawMessage       `json:"reply"`
}

// decodeResponse reads the {response, reply} envelope. reply is either an
// object or, for redirect flows, a string holding an HTML page.
func decodeResponse(raw []byte) (*domain.GatewayResponse, error) {
	out := &domain.GatewayResponse{Raw: json.RawMessage(raw)}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode gateway envelope: %w", err)
	}
	out.Response = env.Response

	reply := bytes.TrimSpace(env.Reply)
	switch {
	case len(reply) == 0 || bytes.Equal(reply, []byte("null")):
	case reply[0] == '"':
		var html string
		if err := json.Unmarshal(reply, &html); err != nil {
			return nil, fmt.Errorf("decode gateway reply: %w", err)
		}
		out.Reply = &domain.GatewayReply{HTML: html}
	default:
		var r domain.GatewayReply
		if err := json.Unmarshal(reply, &r); err != nil {
			return nil, fmt.Errorf("decode gateway reply: %w", err)
		}
		out.Reply = &r
	}
	return out, nil
}

func endpointURL(base string, segments ...string) (string, error) {
	if base == "" {
		return "", apperror.Validation("gateway URL is not configured")
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse gateway URL: %w", err)
	}
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return u.String() + "/" + strings.Join(escaped, "/"), nil
}
