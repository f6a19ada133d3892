package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/progress"
)

// DefaultPublishedStages are the completion broadcasts worth sending off-box.
var DefaultPublishedStages = []progress.Stage{
	progress.StageClipDone,
	progress.StageBulkComplete,
	progress.StageSyncDone,
}

// PublisherSink forwards selected broadcasts to a clipper.Publisher.
type PublisherSink struct {
	pub    clipper.Publisher
	topic  string
	stages map[progress.Stage]struct{}
	logger *zap.Logger
}

// NewPublisherSink publishes stages (DefaultPublishedStages when empty) to
// topic.
func NewPublisherSink(pub clipper.Publisher, topic string, logger *zap.Logger, stages ...progress.Stage) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(stages) == 0 {
		stages = DefaultPublishedStages
	}
	set := make(map[progress.Stage]struct{}, len(stages))
	for _, s := range stages {
		set[s] = struct{}{}
	}
	return &PublisherSink{pub: pub, topic: topic, stages: set, logger: logger}
}

// Consume publishes matching events. Every event is attempted; failures are
// joined.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if _, ok := s.stages[evt.Stage]; !ok {
			continue
		}
		id, err := s.pub.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Stage, err))
			continue
		}
		s.logger.Debug("broadcast published", zap.String("stage", string(evt.Stage)), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
