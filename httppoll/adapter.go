// Package httppoll implements the HTTP polling transport. No connection is held
// open: Connect only proves reachability and every read or command is one
// request.
package httppoll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddielth/data-ingest/device"
	"github.com/eddielth/data-ingest/validator"
)

// Defaults for unset paths.
const (
	DefaultHealthPath  = "/"
	DefaultDataPath    = "/data"
	DefaultCommandPath = "/commands"
)

// maxBody bounds response bodies read into memory.
const maxBody = 4 << 20

var connectRules = validator.Set{
	&validator.RequiredValidator{Field: "baseUrl"},
	&validator.OneOfValidator{Field: "dataMethod", Values: []string{http.MethodGet, http.MethodPost}},
}

var authRules = validator.Set{
	&validator.OneOfValidator{Field: "type", Values: []string{"none", "basic", "bearer", "api-key"}},
	&validator.OneOfValidator{Field: "apiKeyLocation", Values: []string{"header", "query"}},
}

// Adapter serves the http connection type.
type Adapter struct {
	log    zerolog.Logger
	client *http.Client

	mu    sync.Mutex
	conns map[string]*endpointSet
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithLogger sets the adapter logger.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// New creates an HTTP polling adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		log:    zerolog.Nop(),
		client: &http.Client{},
		conns:  make(map[string]*endpointSet),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Types implements device.Adapter
func (a *Adapter) Types() []device.ConnectionType {
	return []device.ConnectionType{device.ConnectionHTTP}
}

// Pipelined implements device.Adapter
func (a *Adapter) Pipelined() bool { return true }

// Initialize implements device.Adapter. Nothing is pushed, so env is unused.
func (a *Adapter) Initialize(device.Env) error { return nil }

type endpoint struct {
	Path   string
	Method string
}

type auth struct {
	kind     string
	username string
	password string
	token    string
	keyName  string
	inQuery  bool
}

// endpointSet is the parsed request layout of one device.
type endpointSet struct {
	base      *url.URL
	headers   map[string]string
	auth      auth
	health    string
	data      endpoint
	command   endpoint
	endpoints map[string]endpoint
}

func parseEndpoints(p device.Parameters) (*endpointSet, error) {
	if err := connectRules.Validate(map[string]interface{}(p)); err != nil {
		return nil, device.ValidationError("%v", err)
	}
	base, err := url.Parse(strings.TrimRight(p.String("baseUrl", ""), "/"))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, device.ValidationError("baseUrl %q is not an http(s) URL", p.String("baseUrl", ""))
	}

	set := &endpointSet{
		base:    base,
		headers: p.StringMap("headers"),
		health:  p.String("healthPath", DefaultHealthPath),
		data: endpoint{
			Path:   p.String("dataPath", DefaultDataPath),
			Method: strings.ToUpper(p.String("dataMethod", http.MethodGet)),
		},
		command:   endpoint{Path: p.String("commandPath", DefaultCommandPath), Method: http.MethodPost},
		endpoints: make(map[string]endpoint),
	}

	if am := p.Map("auth"); am != nil {
		if err := authRules.Validate(map[string]interface{}(am)); err != nil {
			return nil, device.ValidationError("auth: %v", err)
		}
		set.auth = auth{
			kind:     strings.ToLower(am.String("type", "none")),
			username: am.String("username", ""),
			password: am.String("password", ""),
			token:    am.String("token", ""),
			keyName:  am.String("apiKeyName", "X-API-Key"),
			inQuery:  am.String("apiKeyLocation", "header") == "query",
		}
		if set.auth.kind != "none" && set.auth.kind != "basic" && set.auth.token == "" {
			return nil, device.ValidationError("auth type %s requires a token", set.auth.kind)
		}
	}

	// endpoint names match case-insensitively; viper lowercases map keys
	for name := range p.Map("endpoints") {
		ep := p.Map("endpoints").Map(name)
		if ep == nil || !ep.Has("path") {
			return nil, device.ValidationError("endpoint %s requires a path", name)
		}
		set.endpoints[strings.ToLower(name)] = endpoint{
			Path:   ep.String("path", ""),
			Method: strings.ToUpper(ep.String("method", http.MethodPost)),
		}
	}
	return set, nil
}

// Connect implements device.Adapter. Any answer below 500 counts as reachable.
func (a *Adapter) Connect(ctx context.Context, deviceID string, cfg device.Config) error {
	set, err := parseEndpoints(cfg.Parameters)
	if err != nil {
		return err
	}

	resp, err := a.do(ctx, set, http.MethodGet, set.health, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return device.TransportError(nil, "health check returned %s", resp.Status)
	}

	a.mu.Lock()
	a.conns[deviceID] = set
	a.mu.Unlock()
	a.log.Info().Str("device", deviceID).Str("base_url", set.base.String()).Int("status", resp.StatusCode).Msg("http device reachable")
	return nil
}

func (a *Adapter) lookup(deviceID string) (*endpointSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.conns[deviceID]
	if !ok {
		return nil, device.NewError(device.KindNotConnected, "http device is not connected")
	}
	return set, nil
}

// do performs one request. query values are added to the URL.
func (a *Adapter) do(ctx context.Context, set *endpointSet, method, path string, query url.Values, body []byte) (*http.Response, error) {
	u := *set.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if set.auth.kind == "api-key" && set.auth.inQuery {
		q.Set(set.auth.keyName, set.auth.token)
	}
	u.RawQuery = q.Encode()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, device.ValidationError("invalid request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range set.headers {
		req.Header.Set(k, v)
	}
	switch set.auth.kind {
	case "basic":
		req.SetBasicAuth(set.auth.username, set.auth.password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+set.auth.token)
	case "api-key":
		if !set.auth.inQuery {
			req.Header.Set(set.auth.keyName, set.auth.token)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, device.TransportError(err, "%s %s", method, u.Redacted())
	}
	return resp, nil
}

// readBody returns the body of a 2xx response.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, device.TransportError(err, "read response body")
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299
	if ok && len(body) > maxBody {
		return nil, device.TransportError(nil, "response body exceeds %d bytes", maxBody)
	}
	if !ok {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, device.TransportError(nil, "unexpected status %s: %s", resp.Status, snippet)
	}
	return body, nil
}

// ReadData implements device.Adapter
func (a *Adapter) ReadData(ctx context.Context, deviceID string) (device.Payload, error) {
	set, err := a.lookup(deviceID)
	if err != nil {
		return device.Payload{}, err
	}

	var body []byte
	if set.data.Method == http.MethodPost {
		body = []byte("{}")
	}
	resp, err := a.do(ctx, set, set.data.Method, set.data.Path, nil, body)
	if err != nil {
		return device.Payload{}, err
	}
	contentType := resp.Header.Get("Content-Type")
	raw, err := readBody(resp)
	if err != nil {
		return device.Payload{}, err
	}
	return device.Payload{Raw: raw, ContentType: contentType, Timestamp: time.Now()}, nil
}

// SendCommand implements device.Adapter. Named endpoints take precedence over
// the generic command path; {param} placeholders in paths are filled from the
// command parameters.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd device.Command) (*device.Reply, error) {
	set, err := a.lookup(deviceID)
	if err != nil {
		return nil, err
	}

	ep, named := set.endpoints[strings.ToLower(cmd.Command)]
	if !named {
		ep = set.command
	}
	path := expandPath(ep.Path, cmd.Parameters)

	var query url.Values
	var body []byte
	switch ep.Method {
	case http.MethodGet, http.MethodDelete:
		query = url.Values{}
		for k, v := range cmd.Parameters {
			query.Set(k, fmt.Sprint(v))
		}
	default:
		params := cmd.Parameters
		if params == nil {
			params = map[string]interface{}{}
		}
		var payload interface{} = params
		if !named {
			payload = map[string]interface{}{
				"id":         cmd.ID,
				"command":    cmd.Command,
				"parameters": params,
			}
		}
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, device.ValidationError("command is not serializable: %v", err)
		}
	}

	resp, err := a.do(ctx, set, ep.Method, path, query, body)
	if err != nil {
		return nil, err
	}
	raw, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	var result interface{}
	if len(raw) > 0 && json.Unmarshal(raw, &result) != nil {
		result = string(raw)
	}
	return &device.Reply{Result: result}, nil
}

func expandPath(path string, params map[string]interface{}) string {
	for k, v := range params {
		path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(fmt.Sprint(v)))
	}
	return path
}

// Disconnect implements device.Adapter
func (a *Adapter) Disconnect(_ context.Context, deviceID string) error {
	a.mu.Lock()
	delete(a.conns, deviceID)
	a.mu.Unlock()
	return nil
}
