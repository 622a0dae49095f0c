package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	glua "github.com/yuin/gopher-lua"

	"github.com/graft-dev/graft/pkg/plugin/lua"
	"github.com/graft-dev/graft/pkg/plugin/security"
)

// ErrRateLimited is returned when a plugin exceeds its outbound request
// rate.
var ErrRateLimited = errors.New("network request rate limited")

// defaultFetchTimeout is the transport safety net. The effective bound is
// usually tighter: requests carry the evaluation context, whose deadline
// is the sandbox execution timeout.
const defaultFetchTimeout = 30 * time.Second

// defaultMaxFetchBytes caps response bodies when the host configures no
// limit.
const defaultMaxFetchBytes = 1 * 1024 * 1024

// FetchRequest describes one outbound HTTP request.
type FetchRequest struct {
	// Method defaults to GET.
	Method string

	// URL must be absolute with an http or https scheme.
	URL string

	// Headers are set on the request verbatim.
	Headers map[string]string

	// Body is sent as the request body when non-empty.
	Body string

	// MaxBytes caps the response body size. The gate fills it from the
	// plugin's resource limits; fetchers must refuse larger bodies.
	MaxBytes int64
}

// FetchResponse is the resolved response.
type FetchResponse struct {
	Status  int
	Headers map[string]string
	Body    string
}

// OK reports whether the status is in the 2xx range.
func (r *FetchResponse) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Fetcher performs outbound HTTP requests on a plugin's behalf. The
// default is an HTTPFetcher; hosts substitute their own to route plugin
// traffic through proxies or record it.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// HTTPFetcher is the net/http backed Fetcher.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with the given overall timeout. Zero
// means the default.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch performs the request and buffers the response body up to
// req.MaxBytes.
func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFetchBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &FetchResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    string(data),
	}, nil
}

// HTTPAPI is the permission-gated fetch surface. Beyond the capability,
// the target host must clear the allow-list and the plugin's request rate
// budget; the checks are independent, so a granted capability never
// implies open egress.
type HTTPAPI struct {
	pluginID string
	checker  *security.Checker
	fetcher  Fetcher
	monitor  *security.Monitor
	maxBytes int64
}

func newHTTPAPI(pluginID string, checker *security.Checker, fetcher Fetcher, limits security.ResourceLimits) *HTTPAPI {
	if fetcher == nil {
		fetcher = NewHTTPFetcher(0)
	}
	maxBytes := limits.MaxFetchBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFetchBytes
	}
	return &HTTPAPI{
		pluginID: pluginID,
		checker:  checker,
		fetcher:  fetcher,
		monitor:  security.NewMonitor(limits),
		maxBytes: maxBytes,
	}
}

// Monitor exposes the plugin's network budget state. Hosts poll
// Exceeded and Reason to flag plugins that keep hitting their rate
// limit.
func (a *HTTPAPI) Monitor() *security.Monitor {
	return a.monitor
}

// Fetch checks capability, allow-list, and rate budget, then delegates to
// the fetcher.
func (a *HTTPAPI) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if err := a.checker.CheckNetwork(u.Host); err != nil {
		return nil, err
	}
	if !a.monitor.TryNetworkRequest() {
		return nil, fmt.Errorf("plugin %q: %w", a.pluginID, ErrRateLimited)
	}

	if req.MaxBytes <= 0 || req.MaxBytes > a.maxBytes {
		req.MaxBytes = a.maxBytes
	}
	return a.fetcher.Fetch(ctx, req)
}

func (a *HTTPAPI) installLua(L *glua.LState, b *lua.Bridge) glua.LValue {
	t := L.NewTable()

	L.SetField(t, "fetch", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		rawURL, err := requireString(args, 0, "url")
		if err != nil {
			return nil, err
		}
		opts := optionalMap(args, 1)

		req := FetchRequest{URL: rawURL}
		if m, ok := opts["method"].(string); ok {
			req.Method = m
		}
		if body, ok := opts["body"].(string); ok {
			req.Body = body
		}
		if headers, ok := opts["headers"].(map[string]any); ok {
			req.Headers = make(map[string]string, len(headers))
			for k, v := range headers {
				if s, ok := v.(string); ok {
					req.Headers[k] = s
				}
			}
		}

		resp, err := a.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"status":  resp.Status,
			"ok":      resp.OK(),
			"headers": resp.Headers,
			"body":    resp.Body,
		}, nil
	})))

	return t
}
