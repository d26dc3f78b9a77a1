package waf

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/BespredeL/wafu/internal/netutil"
)

// Attribute keys shared between modules, actions and adapters.
const (
	AttrMatch          = "match"
	AttrResponse       = "response"
	AttrReportOnly     = "report_only"
	AttrReportDecision = "report_decision"
	AttrHTTPStatusCode = "http_status_code"
	AttrLogger         = "logger"
)

// Params is a nested string keyed mapping: leaves are strings (or scalars,
// or lists of them) and inner nodes are maps.
type Params map[string]any

// Request carries everything needed to build a Context.
type Request struct {
	Method                string
	URI                   string
	RemoteAddr            string
	Headers               map[string][]string
	Query                 Params
	Body                  Params
	Cookies               Params
	TrustedProxies        []string
	TrustForwardedHeaders bool
}

// Response is the pre-built reply an action leaves in the response attribute.
type Response struct {
	Status  int
	Headers map[string]string
	Body    string
}

type Context struct {
	id      string
	ctx     context.Context
	method  string
	uri     string
	ip      string
	headers map[string]string
	query   Params
	body    Params
	cookies Params

	mu    sync.RWMutex
	attrs map[string]any

	payloadOnce   sync.Once
	payload       Params
	flattenedOnce sync.Once
	flattened     []string
}

func NewContext(req Request) *Context {
	return NewContextWithContext(context.Background(), req)
}

func NewContextWithContext(ctx context.Context, req Request) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = "GET"
	}
	uri := req.URI
	if uri == "" {
		uri = "/"
	}
	headers := normalizeHeaders(req.Headers)
	return &Context{
		id:      uuid.NewString(),
		ctx:     ctx,
		method:  method,
		uri:     uri,
		ip:      netutil.ResolveClientIP(req.RemoteAddr, headers, req.TrustedProxies, req.TrustForwardedHeaders),
		headers: headers,
		query:   orEmpty(req.Query),
		body:    orEmpty(req.Body),
		cookies: orEmpty(req.Cookies),
		attrs:   map[string]any{},
	}
}

func normalizeHeaders(in map[string][]string) map[string]string {
	out := make(map[string]string, len(in))
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := in[k]
		if len(vals) == 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(k))
		if name == "" {
			continue
		}
		joined := strings.Join(vals, ", ")
		if prev, ok := out[name]; ok {
			joined = prev + ", " + joined
		}
		out[name] = joined
	}
	return out
}

func orEmpty(p Params) Params {
	if p == nil {
		return Params{}
	}
	return p
}

func (c *Context) ID() string                 { return c.id }
func (c *Context) Context() context.Context   { return c.ctx }
func (c *Context) IP() string                 { return c.ip }
func (c *Context) Method() string             { return c.method }
func (c *Context) URI() string                { return c.uri }
func (c *Context) Headers() map[string]string { return c.headers }
func (c *Context) Query() Params              { return c.query }
func (c *Context) Body() Params               { return c.body }
func (c *Context) Cookies() Params            { return c.cookies }

// Header looks a header up case-insensitively.
func (c *Context) Header(name string) (string, bool) {
	v, ok := c.headers[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

func (c *Context) SetAttribute(key string, value any) {
	c.mu.Lock()
	c.attrs[key] = value
	c.mu.Unlock()
}

func (c *Context) Attribute(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[key]
	return v, ok
}

// Attributes returns a copy of the attribute bag.
func (c *Context) Attributes() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.attrs))
	for k, v := range c.attrs {
		out[k] = v
	}
	return out
}

// StatusCode returns the http_status_code attribute, or 0 when absent.
func (c *Context) StatusCode() int {
	v, ok := c.Attribute(AttrHTTPStatusCode)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// PendingResponse returns the response an action stored earlier in the pipeline.
func (c *Context) PendingResponse() (Response, bool) {
	v, ok := c.Attribute(AttrResponse)
	if !ok {
		return Response{}, false
	}
	switch r := v.(type) {
	case Response:
		return r, r.Status > 0
	case *Response:
		if r == nil {
			return Response{}, false
		}
		return *r, r.Status > 0
	default:
		return Response{}, false
	}
}

// Payload deep-merges query, body and cookies. Keys present in more than one
// source keep every value.
func (c *Context) Payload() Params {
	c.payloadOnce.Do(func() {
		merged := Params{}
		for _, src := range []Params{c.query, c.body, c.cookies} {
			mergeParams(merged, src)
		}
		c.payload = merged
	})
	return c.payload
}

// FlattenedPayload lists every leaf of Payload as a string, depth first.
func (c *Context) FlattenedPayload() []string {
	c.flattenedOnce.Do(func() {
		c.flattened = Flatten(c.Payload())
	})
	return c.flattened
}

func mergeParams(dst, src Params) {
	for k, v := range src {
		prev, ok := dst[k]
		if !ok {
			dst[k] = cloneValue(v)
			continue
		}
		prevMap, prevIsMap := asParams(prev)
		srcMap, srcIsMap := asParams(v)
		if prevIsMap && srcIsMap {
			mergeParams(prevMap, srcMap)
			dst[k] = prevMap
			continue
		}
		merged := append([]any{}, asList(prev)...)
		dst[k] = append(merged, asList(v)...)
	}
}

func cloneValue(v any) any {
	if m, ok := asParams(v); ok {
		out := Params{}
		mergeParams(out, m)
		return out
	}
	return v
}

func asParams(v any) (Params, bool) {
	switch m := v.(type) {
	case Params:
		return m, true
	case map[string]any:
		return Params(m), true
	case map[string]string:
		out := make(Params, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, 0, len(l))
		for _, s := range l {
			out = append(out, s)
		}
		return out
	default:
		return []any{v}
	}
}

// Flatten walks a nested value and returns every leaf as a string. Map keys
// are visited in sorted order.
func Flatten(v any) []string {
	out := make([]string, 0, 16)
	flattenInto(v, &out)
	return out
}

func flattenInto(v any, out *[]string) {
	if v == nil {
		return
	}
	if m, ok := asParams(v); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenInto(m[k], out)
		}
		return
	}
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			flattenInto(item, out)
		}
	case []string:
		*out = append(*out, x...)
	case string:
		*out = append(*out, x)
	case bool:
		if x {
			*out = append(*out, "1")
		} else {
			*out = append(*out, "")
		}
	default:
		*out = append(*out, fmt.Sprint(x))
	}
}
