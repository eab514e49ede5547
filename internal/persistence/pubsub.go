package persistence

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/agentworkforce/storywatch/internal/model"
)

// IngressMirror publishes every Arrival to a Pub/Sub topic for external
// observability/audit, per SPEC_FULL.md §4.14. It is never consulted for
// dispatch decisions; the in-process ingress channel stays authoritative.
type IngressMirror struct {
	topic *pubsub.Topic
	log   Logger
}

// Logger is the minimal logging surface IngressMirror needs.
type Logger interface {
	Warnw(msg string, kv ...any)
}

// NewIngressMirror connects to projectID and returns a publisher bound to
// topicID. The topic is assumed to already exist; this mirror is
// best-effort observability, not a provisioning tool.
func NewIngressMirror(ctx context.Context, projectID, topicID string, log Logger) (*IngressMirror, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &IngressMirror{topic: client.Topic(topicID), log: log}, nil
}

// MirrorArrival publishes story as a best-effort side channel. Failures
// are logged, never propagated: the mirror must not affect ingestion.
func (m *IngressMirror) MirrorArrival(ctx context.Context, story model.Story) {
	if m == nil || m.topic == nil {
		return
	}
	payload, err := json.Marshal(story)
	if err != nil {
		if m.log != nil {
			m.log.Warnw("ingress mirror marshal failed", "url", story.URL, "err", err)
		}
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result := m.topic.Publish(publishCtx, &pubsub.Message{Data: payload})
	go func() {
		if _, err := result.Get(context.Background()); err != nil && m.log != nil {
			m.log.Warnw("ingress mirror publish failed", "url", story.URL, "err", err)
		}
	}()
}

// Close releases the underlying Pub/Sub client resources.
func (m *IngressMirror) Close() {
	if m != nil && m.topic != nil {
		m.topic.Stop()
	}
}
