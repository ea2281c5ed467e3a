// Package dispatch sends rendered batches to forwarding destinations.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"

	"github.com/akave-ai/hookbuffer/internal/model"
)

const (
	DefaultTimeout          = 10 * time.Second
	DefaultMaxResponseBytes = 1 << 20
	DefaultUserAgent        = "hookbuffer"
)

// ErrDispatch wraps every failed send: transport errors, timeouts and non-2xx replies.
var ErrDispatch = errors.New("dispatch failed")

type Config struct {
	Timeout          time.Duration
	UserAgent        string
	MaxResponseBytes int64
}

// Request is one outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Result is the tagged outcome of Send. HTTPStatus is zero when no response
// was received.
type Result struct {
	Status     model.ForwardStatus
	HTTPStatus int
	Body       string
	Err        error
	Elapsed    time.Duration
}

func (r Result) OK() bool { return r.Status == model.ForwardSuccess }

// Dispatcher issues forward requests with a bounded timeout.
type Dispatcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	logger    zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	return &Dispatcher{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newrelic.NewRoundTripper(http.DefaultTransport),
		},
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxResponseBytes,
		logger:    logger.With().Str("component", "dispatch").Logger(),
	}
}

// Send performs the request and classifies the reply. It never returns an
// error or panics; failures are reported in the Result.
func (d *Dispatcher) Send(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = failure(fmt.Errorf("%w: panic: %v", ErrDispatch, r))
		}
		res.Elapsed = time.Since(start)
	}()

	method := req.Method
	if method == "" {
		method = model.DefaultMethod
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return failure(fmt.Errorf("%w: build request: %v", ErrDispatch, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", d.userAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.logger.Debug().Err(err).Str("url", req.URL).Msg("forward request failed")
		return failure(fmt.Errorf("%w: %v", ErrDispatch, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody))
	if err != nil {
		return Result{
			Status:     model.ForwardError,
			HTTPStatus: resp.StatusCode,
			Err:        fmt.Errorf("%w: read response: %v", ErrDispatch, err),
		}
	}

	res = Result{HTTPStatus: resp.StatusCode, Body: string(body)}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Status = model.ForwardSuccess
		return res
	}
	res.Status = model.ForwardError
	res.Err = fmt.Errorf("%w: status %d", ErrDispatch, resp.StatusCode)
	return res
}

func failure(err error) Result {
	return Result{Status: model.ForwardError, Err: err}
}

type sentRecord struct {
	Payload any               `json:"payload"`
	Headers map[string]string `json:"headers"`
}

type replyRecord struct {
	StatusCode int    `json:"status_code"`
	Text       string `json:"text"`
}

type record struct {
	Sent     sentRecord   `json:"sent"`
	Response *replyRecord `json:"response,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Record serialises what was sent and what came back, the value stored as a
// forwarded message's response.
func Record(req Request, res Result) json.RawMessage {
	headers := req.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	rec := record{Sent: sentRecord{Headers: headers}}
	if json.Valid(req.Body) {
		rec.Sent.Payload = json.RawMessage(req.Body)
	} else {
		rec.Sent.Payload = string(req.Body)
	}
	if res.HTTPStatus != 0 {
		rec.Response = &replyRecord{StatusCode: res.HTTPStatus, Text: res.Body}
	}
	if res.Err != nil && res.HTTPStatus == 0 {
		rec.Error = res.Err.Error()
	}
	out, err := model.JSON.Marshal(rec)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}
