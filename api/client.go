package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/structured/envconfig"
)

// Client encapsulates client state for interacting with the constraint
// server.
type Client struct {
	base *url.URL
	http *http.Client
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	apiError := StatusError{StatusCode: resp.StatusCode}

	err := json.Unmarshal(body, &apiError)
	if err != nil {
		// Use the full body as the message if we fail to decode a response.
		apiError.ErrorMessage = string(body)
	}

	return apiError
}

// ClientFromEnvironment creates a new [Client] using configuration from the
// environment variable STRUCTURED_HOST.
func ClientFromEnvironment() (*Client, error) {
	return NewClient(envconfig.Host, http.DefaultClient)
}

// NewClient returns a client for the server at host, given as host:port or
// as a URL.
func NewClient(host string, http *http.Client) (*Client, error) {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}

	base, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	return &Client{base: base, http: http}, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var reqBody io.Reader
	if reqData != nil {
		data, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), reqBody)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if err := checkError(response, body); err != nil {
		return err
	}

	if len(body) > 0 && respData != nil {
		if err := json.Unmarshal(body, respData); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// Resolve returns the tokenizer the server resolves for a model.
func (c *Client) Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	var resp ResolveResponse
	if err := c.do(ctx, http.MethodPost, "/api/resolve", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Constraint compiles a schema on the server and returns the automaton's
// statistics.
func (c *Client) Constraint(ctx context.Context, req *ConstraintRequest) (*ConstraintResponse, error) {
	var resp ConstraintResponse
	if err := c.do(ctx, http.MethodPost, "/api/constraint", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Check replays text through a constraint on the server.
func (c *Client) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	var resp CheckResponse
	if err := c.do(ctx, http.MethodPost, "/api/check", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat checks if the server has started and is responsive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodHead, "/", nil, nil)
}
