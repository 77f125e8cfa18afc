// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package comm provides helpers for communicating with HTTP backends.
package comm

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	msalerrors "github.com/AzureAD/msal-token-cache-go/apps/errors"
)

// HTTPClient represents an HTTP client.
// It's usually an *http.Client from the standard library.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)

	// CloseIdleConnections closes any idle connections in a "keep-alive" state.
	CloseIdleConnections()
}

// Client provides a wrapper to our *http.Client that handles compression and serialization needs.
type Client struct {
	client HTTPClient
}

// New returns a new Client object.
func New(httpClient HTTPClient) *Client {
	if httpClient == nil {
		panic("http.Client cannot == nil")
	}

	return &Client{client: httpClient}
}

// URLFormCall is used to make a call where we need to send application/x-www-form-urlencoded data
// to the backend and receive JSON back. qv will be encoded into the request body. endpoint may
// carry its own query string. headers are added to the standard headers.
func (c *Client) URLFormCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values, resp interface{}) error {
	if len(qv) == 0 {
		return fmt.Errorf("URLFormCall() requires qv to have non-zero length")
	}

	if err := c.checkResp(reflect.ValueOf(resp)); err != nil {
		return err
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("could not parse path URL(%s): %w", endpoint, err)
	}

	h := http.Header{}
	for k, v := range headers {
		for _, s := range v {
			h.Add(k, s)
		}
	}
	h.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	addStdHeaders(h)

	enc := EncodeForm(qv)
	req := &http.Request{
		Method:        http.MethodPost,
		URL:           u,
		Header:        h,
		ContentLength: int64(len(enc)),
		Body:          io.NopCloser(strings.NewReader(enc)),
		GetBody: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(enc)), nil
		},
	}

	data, err := c.do(ctx, req)
	if err != nil {
		return err
	}

	v := reflect.ValueOf(resp)
	if err := c.checkResp(v); err != nil {
		return err
	}
	return json.Unmarshal(data, resp)
}

// EncodeForm encodes qv as an application/x-www-form-urlencoded body with keys sorted. Spaces are
// encoded as %20 rather than "+", so a literal "+" is always %2B on the wire.
func EncodeForm(qv url.Values) string {
	// url.Values.Encode() escapes a literal "+" as %2B, so every "+" left is a space.
	return strings.ReplaceAll(qv.Encode(), "+", "%20")
}

// do makes the HTTP call to the server and returns the contents of the body. A reply other than
// 200 is a CallErr whose Resp.Body still holds the reply, so callers can decode an error body.
func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	req = req.WithContext(ctx)

	reply, err := c.client.Do(req)
	if err != nil {
		return nil, msalerrors.CallErr{
			Req: req,
			Err: fmt.Errorf("could not do the HTTP call(%s): %w", req.URL.Redacted(), err),
		}
	}
	defer reply.Body.Close()

	data, err := c.readBody(reply)
	if err != nil {
		return nil, err
	}

	if reply.StatusCode != http.StatusOK {
		reply.Body = newBody(data)
		return nil, msalerrors.CallErr{
			Req:  req,
			Resp: reply,
			Err:  fmt.Errorf("http call(%s)(%s) error: reply status code was %d:\n%s", req.URL.Redacted(), req.Method, reply.StatusCode, string(data)),
		}
	}

	return data, nil
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "":
		// Do nothing
	case "gzip":
		var err error
		reader, err = gzipDecompress(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decompression error: %w", err)
		}
	default:
		return nil, fmt.Errorf("Content-Encoding was set to %q, which we don't support", resp.Header.Get("Content-Encoding"))
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("http response could not be read: %w", err)
	}
	return data, nil
}

func gzipDecompress(r io.Reader) (io.Reader, error) {
	gzipReader, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}

	pipeOut, pipeIn := io.Pipe()
	go func() {
		// decompression bomb would have to come from Azure services.
		// If we want to limit, we should do that in comm.do().
		_, err := io.Copy(pipeIn, gzipReader) //nolint
		if err != nil {
			// don't need the error.
			pipeIn.CloseWithError(err) //nolint
			gzipReader.Close()
			return
		}
		if err := gzipReader.Close(); err != nil {
			// don't need the error.
			pipeIn.CloseWithError(err) //nolint
			return
		}
		pipeIn.Close()
	}()
	return pipeOut, nil
}

// checkResp checks a response object o make sure it is a pointer to a struct.
func (c *Client) checkResp(v reflect.Value) error {
	if v.Kind() != reflect.Ptr {
		return fmt.Errorf("bug: resp argument must a *struct, was %T", v.Interface())
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("bug: resp argument must be a *struct, was %T", v.Interface())
	}
	return nil
}

// testID sets the client-request-id header so tests can compare headers.
var testID string

// addStdHeaders adds the standard headers we use on all calls.
func addStdHeaders(headers http.Header) http.Header {
	headers.Set("Accept-Encoding", "gzip")
	if headers.Get("client-request-id") == "" {
		// So that I can have a static id for tests.
		if testID != "" {
			headers.Set("client-request-id", testID)
		} else {
			headers.Set("client-request-id", uuid.New().String())
		}
	}
	if headers.Get("return-client-request-id") == "" {
		headers.Set("return-client-request-id", "false")
	}
	return headers
}

func newBody(data []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(data))
}
