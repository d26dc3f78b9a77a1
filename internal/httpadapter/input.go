package httpadapter

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/BespredeL/wafu/internal/kernel"
	"github.com/BespredeL/wafu/internal/waf"
)

const defaultMaxBody = 1 << 20

// NewInput converts r into kernel input. The body is read up to maxBody
// bytes for inspection and r.Body is restored so the next handler sees it
// unchanged. Larger bodies are inspected through their first maxBody bytes.
func NewInput(r *http.Request, maxBody int64) kernel.Input {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	headers := make(map[string][]string, len(r.Header)+1)
	for k, v := range r.Header {
		headers[k] = v
	}
	if r.Host != "" {
		headers["Host"] = []string{r.Host}
	}

	cookies := waf.Params{}
	for _, ck := range r.Cookies() {
		cookies[ck.Name] = ck.Value
	}

	return kernel.Input{
		Ctx:        r.Context(),
		Method:     r.Method,
		URI:        r.URL.RequestURI(),
		RemoteAddr: peerIP(r.RemoteAddr),
		Headers:    headers,
		Query:      ParseValues(r.URL.Query()),
		Body:       readBody(r, maxBody),
		Cookies:    cookies,
	}
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.Trim(remoteAddr, "[]")
	}
	return host
}

func readBody(r *http.Request, maxBody int64) waf.Params {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		r.Body = readCloser{io.MultiReader(bytes.NewReader(raw), r.Body), r.Body}
		return nil
	}
	truncated := int64(len(raw)) > maxBody
	if truncated {
		r.Body = readCloser{io.MultiReader(bytes.NewReader(raw), r.Body), r.Body}
		raw = raw[:maxBody]
	} else {
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(raw))
	}
	if len(raw) == 0 {
		return nil
	}

	body := parseBody(r.Header.Get("Content-Type"), raw, maxBody)
	if body == nil && truncated {
		// A cut prefix rarely parses as JSON or multipart; inspect it raw.
		return waf.Params{"_raw": string(raw)}
	}
	return body
}

func parseBody(contentType string, raw []byte, maxBody int64) waf.Params {
	mediaType, params, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		// ParseQuery keeps every pair it could decode, so a truncated tail
		// only loses the last pair.
		values, _ := url.ParseQuery(string(raw))
		if len(values) == 0 {
			return nil
		}
		return ParseValues(values)
	case mediaType == "multipart/form-data":
		return parseMultipart(raw, params["boundary"], maxBody)
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil
		}
		switch t := v.(type) {
		case map[string]any:
			return waf.Params(t)
		case []any:
			return waf.Params{"_json": t}
		}
		return nil
	}
	return nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func parseMultipart(raw []byte, boundary string, maxBody int64) waf.Params {
	if boundary == "" {
		return nil
	}
	req := &http.Request{
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": {"multipart/form-data; boundary=" + boundary}},
		Body:   io.NopCloser(bytes.NewReader(raw)),
	}
	if err := req.ParseMultipartForm(maxBody); err != nil {
		return nil
	}
	defer req.MultipartForm.RemoveAll()
	return ParseValues(req.MultipartForm.Value)
}

// ParseValues turns form values into nested params. Bracketed keys nest:
// a[b]=1 becomes {a: {b: "1"}} and a[]=1&a[]=2 becomes {a: ["1", "2"]}.
// Repeated plain keys keep every value.
func ParseValues(values map[string][]string) waf.Params {
	out := waf.Params{}
	for _, key := range sortedKeys(values) {
		vals := values[key]
		path := splitKey(key)
		if len(path) == 0 {
			continue
		}
		for _, v := range vals {
			insert(out, path, v)
		}
	}
	return out
}

func splitKey(key string) []string {
	open := strings.IndexByte(key, '[')
	if open <= 0 || !strings.HasSuffix(key, "]") {
		if key == "" {
			return nil
		}
		return []string{key}
	}
	path := []string{key[:open]}
	rest := key[open:]
	for strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path
}

func insert(node waf.Params, path []string, value string) {
	key := path[0]
	if len(path) == 1 {
		switch cur := node[key].(type) {
		case nil:
			node[key] = value
		case []any:
			node[key] = append(cur, value)
		case string:
			node[key] = []any{cur, value}
		}
		return
	}
	if path[1] == "" {
		list, _ := node[key].([]any)
		node[key] = append(list, value)
		return
	}
	child, ok := node[key].(waf.Params)
	if !ok {
		child = waf.Params{}
		node[key] = child
	}
	insert(child, path[1:], value)
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
