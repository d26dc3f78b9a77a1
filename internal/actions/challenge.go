package actions

import (
	"strconv"

	"github.com/BespredeL/wafu/internal/waf"
)

type ChallengeConfig struct {
	Status     int
	Message    string
	RetryAfter int
}

type Challenge struct {
	status     int
	message    string
	retryAfter int
}

func NewChallenge(cfg ChallengeConfig) *Challenge {
	ch := &Challenge{
		status:     cfg.Status,
		message:    cfg.Message,
		retryAfter: cfg.RetryAfter,
	}
	if ch.status <= 0 {
		ch.status = 429
	}
	if ch.message == "" {
		ch.message = "Too many requests. Please complete the challenge."
	}
	if ch.retryAfter <= 0 {
		ch.retryAfter = 10
	}
	return ch
}

func (ch *Challenge) Execute(c *waf.Context) {
	c.SetAttribute(waf.AttrResponse, waf.Response{
		Status: ch.status,
		Headers: map[string]string{
			"Content-Type": contentTypeText,
			"Retry-After":  strconv.Itoa(ch.retryAfter),
		},
		Body: ch.message,
	})
}
