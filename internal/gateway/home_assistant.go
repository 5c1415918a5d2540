package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/latchpoint/latchpoint/internal/conf"
	"github.com/latchpoint/latchpoint/internal/logger"
)

const defaultHACallTimeout = 10 * time.Second

// HomeAssistantClient is the HTTP implementation of HomeAssistant,
// targeting the /api/services/<domain>/<service> endpoint.
type HomeAssistantClient struct {
	baseURL string
	token   string
	client  *http.Client
	log     logger.Logger
}

// NewHomeAssistantClient creates the HTTP gateway. A missing base URL is
// allowed; calls then fail with KindNotConfigured.
func NewHomeAssistantClient(settings conf.HomeAssistantSettings, log logger.Logger) *HomeAssistantClient {
	timeout := settings.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultHACallTimeout
	}
	return &HomeAssistantClient{
		baseURL: settings.BaseURL,
		token:   settings.Token,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// CallService invokes domain.service with the given target and data.
func (c *HomeAssistantClient) CallService(ctx context.Context, domain, service string, target, data map[string]any, timeout time.Duration) error {
	const op = "ha.call_service"

	if c.baseURL == "" {
		return NewError(KindNotConfigured, op, errors.New("home assistant base_url not set"))
	}
	if domain == "" || service == "" {
		return NewError(KindValidation, op, errors.New("domain and service are required"))
	}

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	if len(target) > 0 {
		payload["target"] = target
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return NewError(KindValidation, op, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := fmt.Sprintf("%s/api/services/%s/%s", c.baseURL, domain, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return NewError(KindOther, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewError(KindTimeout, op, err)
		}
		return NewError(KindNotReachable, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewError(KindUnauthorized, op, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return NewError(KindOther, op, fmt.Errorf("status %d", resp.StatusCode))
	}

	c.log.Debug("home assistant service called",
		logger.String("domain", domain),
		logger.String("service", service))
	return nil
}
