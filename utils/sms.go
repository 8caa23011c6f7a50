package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/valyala/fasthttp"

	"leadnexy/config"
	"leadnexy/engine"
)

var phoneRe = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{5,}$`)

// SMSSender delivers sequence steps through an HTTP SMS gateway. It satisfies
// engine.Sender.
type SMSSender struct {
	cfg    config.SMSConfig
	client *fasthttp.Client
}

func NewSMSSender(cfg config.SMSConfig) *SMSSender {
	return &SMSSender{
		cfg: cfg,
		client: &fasthttp.Client{
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
	}
}

type smsPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// Send posts the message to the gateway. The subject is ignored for SMS.
func (s *SMSSender) Send(ctx context.Context, to, _ string, body string) error {
	if !phoneRe.MatchString(to) {
		return engine.InvalidRecipient(fmt.Errorf("invalid phone number %q", to))
	}

	payload, err := json.Marshal(smsPayload{From: s.cfg.From, To: to, Body: body})
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.cfg.GatewayURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.SetBody(payload)

	deadline := time.Now().Add(15 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.client.DoDeadline(req, resp, deadline); err != nil {
		return engine.ProviderError(fmt.Errorf("sms gateway request failed: %w", err))
	}

	switch code := resp.StatusCode(); {
	case code >= 200 && code < 300:
		return nil
	case code == fasthttp.StatusTooManyRequests:
		return engine.Throttled(fmt.Errorf("sms gateway throttled: %s", resp.Body()))
	case code == fasthttp.StatusBadRequest || code == fasthttp.StatusUnprocessableEntity:
		return engine.InvalidRecipient(fmt.Errorf("sms gateway rejected %s: %s", to, resp.Body()))
	default:
		return engine.ProviderError(fmt.Errorf("sms gateway returned %d: %s", code, resp.Body()))
	}
}
