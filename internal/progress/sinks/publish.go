package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/progress"
)

// PublishSink forwards run boundary events to a topic. Per-post events stay
// local; the post notifications already cover them.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
}

// NewPublishSink publishes to topic through publisher.
func NewPublishSink(publisher crawler.Publisher, topic string) (*PublishSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &PublishSink{publisher: publisher, topic: topic}, nil
}

// Consume publishes RUN_START, RUN_DONE and RUN_ERROR events. Every event is
// attempted; the errors are joined.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage == progress.StagePostDone {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Stage, evt.RunID, err))
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op; the publisher is owned by the caller.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
