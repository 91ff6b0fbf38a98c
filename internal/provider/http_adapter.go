// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/axiombio/toolmesh/internal/config"
	"github.com/axiombio/toolmesh/internal/orcherr"
)

const userAgent = "toolmesh/1.0"

// HTTPAdapter implements Caller for REST-style tool APIs described in the
// provider config. Argument placeholders in the operation path use {name}
// syntax; unreferenced arguments become query parameters for GET calls and
// a JSON body otherwise.
type HTTPAdapter struct {
	name      string
	baseURL   string
	headers   map[string]string
	probePath string
	ops       map[string]config.OperationConfig
	client    *http.Client
	bearerEnv string
}

// NewHTTPAdapter builds an adapter from a sanitized provider config.
// The supplied client may be nil, in which case a default client without a
// global timeout is used; per-call deadlines come from operation config.
func NewHTTPAdapter(cfg config.ProviderConfig, client *http.Client) (*HTTPAdapter, error) {
	if cfg.Name == "" || cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider config requires name and base-url")
	}

	ops := make(map[string]config.OperationConfig, len(cfg.Operations))
	for _, op := range cfg.Operations {
		ops[op.Name] = op
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("provider %s declares no operations", cfg.Name)
	}

	if client == nil {
		client = &http.Client{}
	}

	a := &HTTPAdapter{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		headers:   cfg.Headers,
		probePath: cfg.ProbePath,
		ops:       ops,
		client:    client,
	}

	switch cfg.Auth.Mode {
	case "bearer-env":
		a.bearerEnv = cfg.Auth.BearerEnv
	case "oauth2":
		cc := &clientcredentials.Config{
			ClientID:     os.Getenv(cfg.Auth.ClientIDEnv),
			ClientSecret: os.Getenv(cfg.Auth.ClientSecretEnv),
			TokenURL:     cfg.Auth.TokenURL,
			Scopes:       cfg.Auth.Scopes,
		}
		if cc.ClientID == "" || cc.ClientSecret == "" {
			return nil, fmt.Errorf("provider %s: oauth2 credentials not present in environment", cfg.Name)
		}
		// The oauth2 client wraps the base client and refreshes tokens as needed.
		a.client = cc.Client(context.Background())
	}

	return a, nil
}

// Name returns the provider identifier.
func (a *HTTPAdapter) Name() string { return a.name }

// Operations returns the names of the operations this adapter serves.
func (a *HTTPAdapter) Operations() []string {
	names := make([]string, 0, len(a.ops))
	for name := range a.ops {
		names = append(names, name)
	}
	return names
}

// Invoke executes one operation against the provider.
func (a *HTTPAdapter) Invoke(ctx context.Context, operation string, args map[string]interface{}) (*Result, error) {
	op, ok := a.ops[operation]
	if !ok {
		return nil, orcherr.Newf(orcherr.KindUnknownOperation, "provider does not serve %s", operation).WithCall(a.name, operation)
	}

	ctx, cancel := context.WithTimeout(ctx, op.OperationTimeout())
	defer cancel()

	reqURL, body, err := a.buildRequest(op, args)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindInvalidArgument, err, "build request").WithCall(a.name, operation)
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, reqURL, reader)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindInternal, err, "create request").WithCall(a.name, operation)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	if a.bearerEnv != "" {
		if token := os.Getenv(a.bearerEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, classifyTransportError(err).WithCall(a.name, operation)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("provider %s: close response body error: %v", a.name, errClose)
		}
	}()

	payload, err := decodeBody(resp)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindConnection, err, "read response").WithCall(a.name, operation)
	}

	if kindErr := classifyStatus(resp.StatusCode, payload); kindErr != nil {
		return nil, kindErr.WithCall(a.name, operation)
	}

	if op.ResultPath != "" {
		extracted := gjson.GetBytes(payload, op.ResultPath)
		if extracted.Exists() {
			payload = []byte(extracted.Raw)
		}
	}

	return &Result{
		Provider:   a.name,
		Operation:  operation,
		Payload:    payload,
		StatusCode: resp.StatusCode,
		Latency:    latency,
	}, nil
}

// Probe performs a lightweight liveness check against the provider.
func (a *HTTPAdapter) Probe(ctx context.Context) error {
	path := a.probePath
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return orcherr.Wrap(orcherr.KindInternal, err, "create probe request").WithCall(a.name, "")
	}
	req.Header.Set("User-Agent", userAgent)
	if a.bearerEnv != "" {
		if token := os.Getenv(a.bearerEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransportError(err).WithCall(a.name, "")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return orcherr.Newf(orcherr.KindConnection, "probe returned status %d", resp.StatusCode).WithCall(a.name, "")
	}
	return nil
}

// buildRequest expands the path template and splits remaining arguments into
// query parameters (GET) or a JSON body (other methods).
func (a *HTTPAdapter) buildRequest(op config.OperationConfig, args map[string]interface{}) (string, []byte, error) {
	path := op.Path
	remaining := make(map[string]interface{}, len(args))
	for k, v := range args {
		remaining[k] = v
	}

	for k, v := range args {
		placeholder := "{" + k + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(argToString(v)))
			delete(remaining, k)
		}
	}
	if i := strings.IndexByte(path, '{'); i >= 0 {
		return "", nil, fmt.Errorf("missing argument for path placeholder %s", path[i:])
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	fullURL := a.baseURL + path

	if op.Method == http.MethodGet || op.Method == http.MethodHead {
		if len(remaining) > 0 {
			q := url.Values{}
			for k, v := range remaining {
				q.Set(k, argToString(v))
			}
			fullURL += "?" + q.Encode()
		}
		return fullURL, nil, nil
	}

	body := []byte(`{}`)
	var err error
	for k, v := range remaining {
		if body, err = sjson.SetBytes(body, k, v); err != nil {
			return "", nil, fmt.Errorf("encode argument %s: %w", k, err)
		}
	}
	return fullURL, body, nil
}

// argToString renders an argument value for URL use.
func argToString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return strings.Trim(string(b), `"`)
	}
}

// decodeBody reads the response body, transparently decompressing gzip and
// brotli encodings.
func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(reader)
}

// classifyTransportError maps client.Do failures onto the error taxonomy.
func classifyTransportError(err error) *orcherr.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return orcherr.Wrap(orcherr.KindTimeout, err, "call deadline exceeded")
	case errors.Is(err, context.Canceled):
		return orcherr.Wrap(orcherr.KindTimeout, err, "call cancelled")
	default:
		return orcherr.Wrap(orcherr.KindConnection, err, "transport failure")
	}
}

// classifyStatus maps upstream HTTP statuses onto the error taxonomy.
// A nil return means the response is usable.
func classifyStatus(status int, payload []byte) *orcherr.Error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return orcherr.Newf(orcherr.KindRateLimited, "status %d: %s", status, truncate(payload, 200))
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusUnprocessableEntity:
		return orcherr.Newf(orcherr.KindInvalidArgument, "status %d: %s", status, truncate(payload, 200))
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return orcherr.Newf(orcherr.KindTimeout, "status %d", status)
	default:
		return orcherr.Newf(orcherr.KindConnection, "status %d: %s", status, truncate(payload, 200))
	}
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
