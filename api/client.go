// Package api implements the client-side API for code wishing to interact
// with the vattention service. The methods of the [Client] type correspond
// to the REST API exposed by the server. The command-line client itself
// uses this package to interact with the backend service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"

	"github.com/vattention/vattention/envconfig"
	"github.com/vattention/vattention/version"
)

// Client encapsulates client state for interacting with the vattention
// service. Use [ClientFromEnvironment] to create new Clients.
type Client struct {
	base *url.URL
	http *http.Client
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	apiError := StatusError{StatusCode: resp.StatusCode, Status: resp.Status}

	err := json.Unmarshal(body, &apiError)
	if err != nil {
		// Use the full body as the message if we fail to decode a response.
		apiError.ErrorMessage = string(body)
	}

	return apiError
}

// ClientFromEnvironment creates a new [Client] using configuration from the
// environment variable VATTN_HOST, which points to the network host and
// port on which the vattention service is listening. The format of this
// variable is:
//
//	<scheme>://<host>:<port>
//
// If the variable is not specified, a default host and port will be used.
func ClientFromEnvironment() (*Client, error) {
	return &Client{
		base: envconfig.Host(),
		http: http.DefaultClient,
	}, nil
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{
		base: base,
		http: http,
	}
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

	requestURL := c.base.JoinPath(path)

	request, err := http.NewRequestWithContext(ctx, method, requestURL.String(), reqBody)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", fmt.Sprintf("vattention/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	respBody, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if err := checkError(response, respBody); err != nil {
		return err
	}

	if len(respBody) > 0 && respData != nil {
		if err := json.Unmarshal(respBody, respData); err != nil {
			return err
		}
	}
	return nil
}

// Version returns the vattention server version as a string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var version VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &version); err != nil {
		return "", err
	}

	return version.Version, nil
}

// Heartbeat checks if the server is running.
func (c *Client) Heartbeat(ctx context.Context) error {
	if err := c.do(ctx, http.MethodHead, "/", nil, nil); err != nil {
		return fmt.Errorf("could not connect to a running vattention instance: %w", err)
	}
	return nil
}

// State snapshots the allocator's pool and slot occupancy.
func (c *Client) State(ctx context.Context) (*StateResponse, error) {
	var resp StateResponse
	if err := c.do(ctx, http.MethodGet, "/api/state", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FreeBlocks reports how many physical pages remain unmapped in the pool.
func (c *Client) FreeBlocks(ctx context.Context) (*FreeBlocksResponse, error) {
	var resp FreeBlocksResponse
	if err := c.do(ctx, http.MethodGet, "/api/free", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Admit registers a new sequence and maps backing for its prompt.
func (c *Client) Admit(ctx context.Context, req *AdmitRequest) (*AdmitResponse, error) {
	var resp AdmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/requests", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Release retires a sequence and reclaims its pages.
func (c *Client) Release(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/requests/"+id, nil, nil)
}

// Step advances the cache to the lengths in req, or by one token per
// active sequence when none are given.
func (c *Client) Step(ctx context.Context, req *StepRequest) (*StepResponse, error) {
	var resp StepResponse
	if err := c.do(ctx, http.MethodPost, "/api/step", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
