// Package executor turns a function definition, normalized input and
// resolved credentials into an upstream HTTP call, and folds the outcome
// into an execution result.
package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/unitool-ai/unitool/internal/app/domain/function"
	"github.com/unitool-ai/unitool/internal/app/schema"
	"github.com/unitool-ai/unitool/internal/app/security"
	"github.com/unitool-ai/unitool/pkg/logger"
)

// ErrUnsupportedPlacement marks a scheme configured to inject credentials at
// a location the scheme cannot use.
var ErrUnsupportedPlacement = errors.New("unsupported credential placement")

// RequestParts is the location-partitioned material of an upstream request.
// Injection returns a new value rather than mutating in place, so callers can
// reuse the normalized input.
type RequestParts struct {
	Path    map[string]any
	Query   map[string]any
	Headers map[string]any
	Cookies map[string]any
	Body    map[string]any
}

// PartsFromInput builds request parts from partitioned input.
func PartsFromInput(input map[string]any) RequestParts {
	partitioned := schema.PartitionInput(input)
	return RequestParts{
		Path:    partitioned[schema.LocationPath],
		Query:   partitioned[schema.LocationQuery],
		Headers: partitioned[schema.LocationHeader],
		Cookies: partitioned[schema.LocationCookie],
		Body:    partitioned[schema.LocationBody],
	}
}

func (p RequestParts) withEntry(loc schema.Location, name string, value any) (RequestParts, error) {
	set := func(m map[string]any) map[string]any {
		out := make(map[string]any, len(m)+1)
		for k, v := range m {
			out[k] = v
		}
		out[name] = value
		return out
	}
	switch loc {
	case schema.LocationHeader:
		p.Headers = set(p.Headers)
	case schema.LocationQuery:
		p.Query = set(p.Query)
	case schema.LocationCookie:
		p.Cookies = set(p.Cookies)
	case schema.LocationBody:
		p.Body = set(p.Body)
	default:
		return RequestParts{}, fmt.Errorf("%w: %s", ErrUnsupportedPlacement, loc)
	}
	return p, nil
}

// Inject places resolved credentials into the request parts according to the
// scheme's configuration, returning a new parts value.
func Inject(parts RequestParts, scheme security.Scheme, creds security.Credentials) (RequestParts, error) {
	if scheme.Kind() != creds.Kind() {
		return RequestParts{}, fmt.Errorf("%w: scheme %s, credentials %s",
			security.ErrSchemeCredentialMismatch, scheme.Kind(), creds.Kind())
	}

	switch s := scheme.(type) {
	case security.NoAuthScheme:
		return parts, nil
	case security.APIKeyScheme:
		c := creds.(security.APIKeyCredentials)
		return parts.withEntry(s.Location, s.Name, c.SecretKey)
	case security.HTTPBasicScheme:
		if s.Location != schema.LocationHeader {
			return RequestParts{}, fmt.Errorf("%w: http_basic only supports header, got %s",
				ErrUnsupportedPlacement, s.Location)
		}
		c := creds.(security.HTTPBasicCredentials)
		encoded := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		value := encoded
		if s.Prefix != "" {
			value = s.Prefix + " " + encoded
		}
		return parts.withEntry(s.Location, s.Name, value)
	case security.OAuth2Scheme:
		c := creds.(security.OAuth2Credentials)
		value := c.AccessToken
		if s.Prefix != "" {
			value = s.Prefix + " " + c.AccessToken
		}
		return parts.withEntry(s.Location, s.Name, value)
	default:
		return RequestParts{}, fmt.Errorf("%w: %s", security.ErrUnknownScheme, scheme.Kind())
	}
}

// REST executes function definitions against their upstream REST endpoints.
type REST struct {
	client *http.Client
	log    *logger.Logger
}

// NewREST constructs an executor. A nil client gets a 30 second timeout
// default; a nil logger gets the package default.
func NewREST(client *http.Client, log *logger.Logger) *REST {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("executor")
	}
	return &REST{client: client, log: log}
}

// Execute sends the upstream request described by the definition and parts.
// Transport failures and non-2xx responses are folded into a failed
// ExecutionResult rather than returned as errors; an error return means the
// request could not even be assembled.
func (e *REST) Execute(ctx context.Context, def function.Definition, parts RequestParts) (function.ExecutionResult, error) {
	req, err := e.buildRequest(ctx, def, parts)
	if err != nil {
		return function.ExecutionResult{}, err
	}

	e.log.Infof("executing %s: %s %s", def.Name, req.Method, req.URL.Redacted())

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.WithError(err).Warnf("upstream request failed for %s", def.Name)
		return function.Failure(fmt.Sprintf("upstream request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return function.Failure(fmt.Sprintf("read upstream response: %v", err)), nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.log.Warnf("upstream returned %d for %s", resp.StatusCode, def.Name)
		return function.Failure(upstreamErrorMessage(resp.StatusCode, body)), nil
	}

	return function.Successful(decodeResponse(body)), nil
}

func (e *REST) buildRequest(ctx context.Context, def function.Definition, parts RequestParts) (*http.Request, error) {
	target, err := buildURL(def.Rest, parts.Path, parts.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(parts.Body) > 0 {
		encoded, err := json.Marshal(parts.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(def.Rest.Method), target, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", def.Name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range parts.Headers {
		req.Header.Set(name, fmt.Sprint(value))
	}
	for name, value := range parts.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: fmt.Sprint(value)})
	}
	return req, nil
}

// buildURL joins server URL and path, substitutes {name} path parameters and
// appends query parameters. Empty query values are omitted.
func buildURL(meta function.RestMetadata, pathParams, queryParams map[string]any) (string, error) {
	path := meta.Path
	for name, value := range pathParams {
		placeholder := "{" + name + "}"
		if !strings.Contains(path, placeholder) {
			return "", fmt.Errorf("path parameter %q has no placeholder in %q", name, meta.Path)
		}
		path = strings.ReplaceAll(path, placeholder, url.PathEscape(fmt.Sprint(value)))
	}
	if strings.Contains(path, "{") {
		return "", fmt.Errorf("unresolved path placeholders in %q", path)
	}

	target := strings.TrimRight(meta.ServerURL, "/") + "/" + strings.TrimLeft(path, "/")
	if len(queryParams) == 0 {
		return target, nil
	}

	q := url.Values{}
	for name, value := range queryParams {
		s := fmt.Sprint(value)
		if s == "" {
			continue
		}
		q.Set(name, s)
	}
	if encoded := q.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target, nil
}

// upstreamErrorMessage prefers the upstream JSON error body over a bare
// status line.
func upstreamErrorMessage(status int, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && gjson.ValidBytes(trimmed) {
		return string(trimmed)
	}
	if len(trimmed) > 0 {
		return fmt.Sprintf("HTTP %d: %s", status, trimmed)
	}
	return fmt.Sprintf("HTTP %d", status)
}

// decodeResponse parses a successful upstream body: JSON when it is JSON,
// raw text otherwise, an empty object when the body is empty.
func decodeResponse(body []byte) any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err == nil {
		return decoded
	}
	return string(body)
}
