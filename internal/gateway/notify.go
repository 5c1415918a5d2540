package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/latchpoint/latchpoint/internal/logger"
)

// ShoutrrrDispatcher delivers rule notifications through shoutrrr service
// URLs, one sender per configured provider id.
type ShoutrrrDispatcher struct {
	senders map[string]*router.ServiceRouter
	log     logger.Logger
}

// NewShoutrrrDispatcher builds senders for the provider id → service URL
// map. Providers with invalid URLs are skipped with a warning so one bad
// entry does not take down the rest.
func NewShoutrrrDispatcher(providers map[string]string, log logger.Logger) *ShoutrrrDispatcher {
	senders := make(map[string]*router.ServiceRouter, len(providers))
	for id, url := range providers {
		sender, err := shoutrrr.CreateSender(url)
		if err != nil {
			log.Warn("skipping notification provider with invalid URL",
				logger.String("provider_id", id),
				logger.Error(err))
			continue
		}
		senders[id] = sender
	}
	return &ShoutrrrDispatcher{senders: senders, log: log}
}

// Enqueue sends the message through the named provider. Delivery is
// synchronous from the caller's point of view but runs inside the action
// executor's worker, never the notify hot path.
func (d *ShoutrrrDispatcher) Enqueue(ctx context.Context, providerID, message, title string, data map[string]any, ruleName string) (EnqueueResult, error) {
	const op = "notify.enqueue"

	sender, ok := d.senders[providerID]
	if !ok {
		return EnqueueResult{ProviderID: providerID},
			NewError(KindNotConfigured, op, fmt.Errorf("unknown notification provider %q", providerID))
	}

	params := types.Params{}
	if title != "" {
		params.SetTitle(title)
	}
	for k, v := range data {
		params[k] = fmt.Sprintf("%v", v)
	}

	if errs := sender.Send(message, &params); len(errs) > 0 {
		for _, err := range errs {
			if err != nil {
				d.log.Error("notification delivery failed",
					logger.String("provider_id", providerID),
					logger.String("rule", ruleName),
					logger.Error(err))
				return EnqueueResult{ProviderID: providerID},
					NewError(KindOther, op, err)
			}
		}
	}

	return EnqueueResult{ProviderID: providerID, Accepted: true}, nil
}

// NoopNotificationDispatcher rejects every enqueue; used when no providers
// are configured.
type NoopNotificationDispatcher struct{}

func (NoopNotificationDispatcher) Enqueue(_ context.Context, providerID, _, _ string, _ map[string]any, _ string) (EnqueueResult, error) {
	return EnqueueResult{ProviderID: providerID},
		NewError(KindNotConfigured, "notify.enqueue", errors.New("no notification providers configured"))
}
