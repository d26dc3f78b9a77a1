package remoterules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/BespredeL/wafu/internal/netutil"
)

const (
	DefaultUserAgent      = "WAFU-HttpClient/1.0 (+https://github.com/BespredeL/wafu)"
	defaultTimeout        = 5 * time.Second
	defaultConnectTimeout = 3 * time.Second
)

// ErrUnsafeURL is returned for URLs that fail the SSRF check.
var ErrUnsafeURL = errors.New("remoterules: url is not a safe external url")

// Response is a fully read HTTP response. Header names are lower-cased and
// repeated headers are joined with ", ".
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Getter performs a single GET request.
type Getter interface {
	Get(ctx context.Context, url string, headers map[string]string) (Response, error)
}

type ClientOptions struct {
	UserAgent      string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	// MaxBodySize bounds the bytes read; one more byte is read so callers can
	// detect oversize bodies.
	MaxBodySize int64
	// AllowInternal turns the SSRF guard off. Meant for tests and local mirrors.
	AllowInternal bool
	Guard         *netutil.Guard
}

// Client is an HTTP client that refuses internal destinations, checking both
// the URL and the address actually dialed, and never follows redirects.
type Client struct {
	http      *http.Client
	userAgent string
	maxBody   int64
	allowInt  bool
	guard     *netutil.Guard
}

func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	connect := opts.ConnectTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxJSONSize
	}
	guard := opts.Guard
	if guard == nil {
		guard = &netutil.Guard{Resolver: net.DefaultResolver, Timeout: connect}
	}

	dialer := &net.Dialer{Timeout: connect}
	if !opts.AllowInternal {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if netutil.IsInternalIP(host) {
				return fmt.Errorf("%w: dial %s", ErrUnsafeURL, host)
			}
			return nil
		}
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       30 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: ua,
		maxBody:   maxBody,
		allowInt:  opts.AllowInternal,
		guard:     guard,
	}
}

func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) (Response, error) {
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return Response{}, ErrUnsafeURL
	}
	if !c.allowInt && !c.guard.IsSafeExternalURL(ctx, rawURL) {
		return Response{}, ErrUnsafeURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Response{}, fmt.Errorf("remoterules: build request: %w", err)
	}
	hasUA := false
	for k, v := range headers {
		if strings.EqualFold(k, "User-Agent") {
			hasUA = true
		}
		req.Header.Set(k, v)
	}
	if !hasUA {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("remoterules: get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return Response{}, fmt.Errorf("remoterules: read body: %w", err)
	}

	out := Response{Status: resp.StatusCode, Headers: make(map[string]string, len(resp.Header)), Body: body}
	for k, vals := range resp.Header {
		out.Headers[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	return out, nil
}
