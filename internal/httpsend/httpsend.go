package httpsend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"bolt/internal/protocol"
)

const DefaultTimeout = 30 * time.Second

// Client performs one-shot requests on behalf of the control channel. It
// keeps no state between calls.
type Client struct {
	HTTP *http.Client
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

// Send never returns an error: transport failures come back as a response
// with Failed set and the error text as body.
func (c *Client) Send(ctx context.Context, req protocol.SendHTTPMsg) protocol.HTTPResponse {
	resp := protocol.HTTPResponse{
		MsgType:  protocol.TagHTTPResponse,
		Headers:  [][]string{},
		BodyKind: protocol.BodyText,
		Index:    req.Index,
	}

	status, headers, body, elapsed, err := c.do(ctx, req)
	if err != nil {
		resp.Failed = true
		resp.Body = err.Error()
		return resp
	}
	resp.Status = status
	resp.Headers = headers
	resp.Body = body
	resp.SizeBytes = uint64(len(body))
	resp.TimeMS = uint32(elapsed.Milliseconds())
	for _, h := range headers {
		if h[0] == "content-type" && strings.Contains(h[1], "application/json") {
			resp.BodyKind = protocol.BodyJSON
		}
	}
	return resp
}

func (c *Client) do(ctx context.Context, req protocol.SendHTTPMsg) (int, [][]string, string, time.Duration, error) {
	method, ok := protocol.NormalizeMethod(req.Method)
	if !ok {
		return 0, nil, "", 0, fmt.Errorf("unsupported method %q", req.Method)
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, WithScheme(req.URL), body)
	if err != nil {
		return 0, nil, "", 0, err
	}
	for _, h := range req.Headers {
		if len(h) != 2 || h[0] == "" || h[1] == "" {
			continue
		}
		httpReq.Header.Add(h[0], h[1])
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return 0, nil, "", 0, err
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	elapsed := time.Since(start)
	if err != nil {
		return 0, nil, "", 0, fmt.Errorf("read body: %w", err)
	}
	return httpResp.StatusCode, flattenHeaders(httpResp.Header), string(raw), elapsed, nil
}

// WithScheme prefixes http:// to a URL that names no scheme.
func WithScheme(raw string) string {
	u := strings.TrimSpace(raw)
	lower := strings.ToLower(u)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return u
	}
	return "http://" + u
}

// flattenHeaders emits one lowercase [key, value] pair per header value,
// sorted by key.
func flattenHeaders(h http.Header) [][]string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, []string{strings.ToLower(k), v})
		}
	}
	return out
}
