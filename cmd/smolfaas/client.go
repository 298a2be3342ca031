package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/server"
)

// Client is a simple HTTP client for the server API.
type Client struct {
	BaseURL    *url.URL
	httpClient *http.Client
	logger     logrus.FieldLogger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient returns a client for the server at base. A missing scheme
// means http.
func NewClient(base string, options ...ClientOption) (*Client, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	c := &Client{BaseURL: baseURL, httpClient: http.DefaultClient}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

// RemoteError is a non-2xx response. Kind is set when the server reported
// an invocation error.
type RemoteError struct {
	StatusCode int
	Kind       core.ErrorKind
	Title      string
	Detail     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Title, e.Detail)
}

func (e *RemoteError) ExitCode() exitCode {
	if e.Kind != "" {
		return exitCodeForKind(e.Kind)
	}
	return exitRemote
}

// CallAPI executes a request. body is marshaled unless it is a string or
// []byte; out receives the decoded response unless it is nil.
func (c *Client) CallAPI(ctx context.Context, method, path string, body, out any) (err error) {
	if c.logger != nil {
		c.logger.Debugf("making a %s request to %q", method, path)
		defer func() {
			if err != nil {
				c.logger.WithError(err).Debug("request failed")
			}
		}()
	}

	var bodyReader io.Reader
	if body != nil {
		var data []byte
		switch val := body.(type) {
		case []byte:
			data = val
		case string:
			data = []byte(val)
		default:
			if data, err = json.Marshal(body); err != nil {
				return err
			}
		}
		bodyReader = bytes.NewReader(data)
	}

	rel, err := url.Parse(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL.ResolveReference(rel).String(), bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return withExitCode(err, exitRemote)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return withExitCode(err, exitRemote)
	}

	if res.StatusCode >= 400 {
		return decodeError(res.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, out)
}

func decodeError(status int, data []byte) error {
	rerr := &RemoteError{StatusCode: status}
	var errs server.ErrorResponse
	if err := json.Unmarshal(data, &errs); err != nil || len(errs.Errors) == 0 {
		rerr.Title = http.StatusText(status)
		rerr.Detail = strings.TrimSpace(string(data))
		return rerr
	}
	rerr.Title = errs.Errors[0].Title
	rerr.Detail = errs.Errors[0].Detail
	if kind := core.ErrorKind(rerr.Title); isKnownKind(kind) {
		rerr.Kind = kind
	}
	return rerr
}

func isKnownKind(kind core.ErrorKind) bool {
	switch kind {
	case core.CompileError, core.LinkError, core.EvalError, core.ExportShapeError,
		core.MarshalError, core.HandlerError, core.ResultTypeError,
		core.EngineFatalError, core.TimeoutError:
		return true
	}
	return false
}

// InvokeSource runs source on the server without storing it.
func (c *Client) InvokeSource(ctx context.Context, source string, payload json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.CallAPI(ctx, http.MethodPost, "/invoke", server.SourceInvocationRequest{Source: source, Payload: payload}, &out)
	return out, err
}

// CreateFunction creates a function. An empty name lets the server pick.
func (c *Client) CreateFunction(ctx context.Context, name string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.CallAPI(ctx, http.MethodPost, "/functions", server.FunctionCreateRequest{Name: name}, &out)
	return out, err
}

// Deploy uploads source as the new live deployment of functionID.
func (c *Client) Deploy(ctx context.Context, functionID, source, protocol string) (json.RawMessage, error) {
	var out json.RawMessage
	req := server.FunctionDeployRequest{Source: source, Protocol: protocol}
	err := c.CallAPI(ctx, http.MethodPost, "/functions/"+url.PathEscape(functionID)+"/deployments", req, &out)
	return out, err
}

// Invoke calls the live deployment of functionID.
func (c *Client) Invoke(ctx context.Context, functionID string, payload json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	var body any
	if len(payload) > 0 {
		body = []byte(payload)
	}
	err := c.CallAPI(ctx, http.MethodPost, "/functions/"+url.PathEscape(functionID)+"/invocations", body, &out)
	return out, err
}

// GetFunction fetches one function.
func (c *Client) GetFunction(ctx context.Context, functionID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.CallAPI(ctx, http.MethodGet, "/functions/"+url.PathEscape(functionID), nil, &out)
	return out, err
}

// ListFunctions fetches all functions.
func (c *Client) ListFunctions(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.CallAPI(ctx, http.MethodGet, "/functions", nil, &out)
	return out, err
}

func (c *rootCommand) client() (*Client, error) {
	cl, err := NewClient(c.baseURL, WithClientLogger(c.gs.logger))
	if err != nil {
		return nil, withExitCode(fmt.Errorf("invalid base url %q: %w", c.baseURL, err), exitInvalidArgs)
	}
	return cl, nil
}
