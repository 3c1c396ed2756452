// Package build drives container image builds from synthesized recipe
// text. The recipe travels to the engine as a minimal single-file tar
// context; progress lines come back in engine emission order.
package build

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
)

// ImageBuilder is the slice of the engine the orchestrator needs.
type ImageBuilder interface {
	BuildImage(ctx context.Context, buildContext io.Reader, tag string, onLog func(line string)) error
}

// BuildError represents an engine-reported or transport failure during a
// build.
type BuildError struct {
	Tag     string
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s failed: %s", e.Tag, e.Message)
}

// Result is the ephemeral outcome of a successful build.
type Result struct {
	Tag string
}

// ImageTag derives the deterministic tag for a container name. Rebuilding
// the same name overwrites the tag; an existing container keeps running on
// the image it was created from.
func ImageTag(name string) string {
	return "berth/" + name + ":latest"
}

// Orchestrator submits recipes to the engine's image-build facility.
type Orchestrator struct {
	Engine ImageBuilder
	Logger *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Build packages recipeText as a build context, tags the result and waits
// for the engine to finish. When onLog is non-nil every progress line is
// forwarded as it arrives, unreordered and untruncated. Resolves to a
// BuildError on any stream-reported or transport failure.
func (o *Orchestrator) Build(ctx context.Context, recipeText, tag string, onLog func(line string)) (Result, error) {
	if o.Engine == nil {
		return Result{}, &BuildError{Tag: tag, Message: "build engine is not configured"}
	}

	buildContext, err := recipeContext(recipeText)
	if err != nil {
		return Result{}, &BuildError{Tag: tag, Message: err.Error()}
	}

	logger := o.logger().With("tag", tag)
	logger.Info("starting image build")

	if err := o.Engine.BuildImage(ctx, buildContext, tag, onLog); err != nil {
		return Result{}, &BuildError{Tag: tag, Message: err.Error()}
	}

	logger.Info("image build completed")
	return Result{Tag: tag}, nil
}

// EventKind discriminates build stream events.
type EventKind string

// Event kinds. Exactly one terminal event (succeeded or failed) ends a
// stream, and no log events follow it.
const (
	EventLog       EventKind = "log"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
)

// Event is one entry of a streamed build.
type Event struct {
	Kind  EventKind `json:"kind"`
	Line  string    `json:"line,omitempty"`
	Tag   string    `json:"tag,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Stream runs Build in the background and returns a channel of log events
// closed after a single terminal event. Cancelling ctx stops the consumer
// side; whether the remote build halts is up to the engine.
func (o *Orchestrator) Stream(ctx context.Context, recipeText, tag string) <-chan Event {
	events := make(chan Event, 64)

	emit := func(event Event) {
		select {
		case events <- event:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(events)

		_, err := o.Build(ctx, recipeText, tag, func(line string) {
			emit(Event{Kind: EventLog, Line: line})
		})
		if err != nil {
			emit(Event{Kind: EventFailed, Tag: tag, Error: err.Error()})
			return
		}
		emit(Event{Kind: EventSucceeded, Tag: tag})
	}()

	return events
}

// recipeContext wraps recipe text in a tar archive holding a single
// Dockerfile, the only build context shape the engine needs here.
func recipeContext(recipeText string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(recipeText)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, fmt.Errorf("write build context header: %w", err)
	}
	if _, err := tw.Write([]byte(recipeText)); err != nil {
		return nil, fmt.Errorf("write build context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finalize build context: %w", err)
	}

	return &buf, nil
}
