// Package pubsub delivers dispatch notifications through Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

// Message attributes set on every notification so subscribers can filter
// without decoding the body.
const (
	AttrItemID  = "item_id"
	AttrKind    = "kind"
	AttrAttempt = "attempt"
)

// Notifier publishes queue.Notification values as JSON messages.
type Notifier struct {
	publisher *pubsub.Publisher
}

// New wraps a topic publisher.
func New(publisher *pubsub.Publisher) *Notifier {
	return &Notifier{publisher: publisher}
}

// Notify publishes n and waits for the server-assigned message id. The
// caller's trace context travels in the message attributes.
func (p *Notifier) Notify(ctx context.Context, n queue.Notification) (string, error) {
	if p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}

	attrs := map[string]string{
		AttrItemID:  n.ItemID,
		AttrKind:    string(n.Kind),
		AttrAttempt: strconv.Itoa(n.Attempt),
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier(attrs))

	id, err := p.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish notification for %s: %w", n.ItemID, err)
	}
	return id, nil
}

// carrier adapts message attributes to propagation.TextMapCarrier.
type carrier map[string]string

func (c carrier) Get(key string) string { return c[key] }

func (c carrier) Set(key, value string) { c[key] = value }

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ queue.Notifier = (*Notifier)(nil)
