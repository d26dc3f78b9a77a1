package waf

// Decision is the outcome of one module or of the whole pipeline.
// Status 0 means the caller picks its default status.
type Decision struct {
	Blocked bool
	Reason  string
	Action  Action
	Status  int
	Headers map[string]string
	Body    string
	Meta    map[string]any
}

func Allow() Decision {
	return Decision{}
}

// WithAction triggers a side effect without blocking.
func WithAction(a Action, reason string) Decision {
	return Decision{Action: a, Reason: reason}
}

func Block(a Action, reason string) Decision {
	return Decision{Blocked: true, Action: a, Reason: reason}
}

func BlockWithResponse(a Action, reason string, status int, headers map[string]string, body string, meta map[string]any) Decision {
	return Decision{
		Blocked: true,
		Action:  a,
		Reason:  reason,
		Status:  status,
		Headers: headers,
		Body:    body,
		Meta:    meta,
	}
}

func (d Decision) HasResponse() bool {
	return d.Blocked && d.Status > 0
}

// BlockFor builds the blocking decision shared by all detectors: when an
// earlier action left a response on the context it is carried along,
// otherwise a plain block is returned.
func BlockFor(c *Context, a Action, reason string, match map[string]any) Decision {
	if resp, ok := c.PendingResponse(); ok {
		body := resp.Body
		if body == "" {
			body = reason
		}
		return BlockWithResponse(a, reason, resp.Status, copyHeaders(resp.Headers), body, map[string]any{"match": match})
	}
	return Block(a, reason)
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
