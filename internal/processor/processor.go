// Package processor implements the Act-Processor Pipeline: a registry of
// processors that inspect a completed act's response and, when they choose
// to, turn it into persisted content. botticelli ships one built-in
// processor, ContentGenerationProcessor, which materializes an act's
// extracted JSON into a dynamic storage table.
package processor

import (
	"context"
	"errors"
	"fmt"

	"botticelli/internal/executor"
	"botticelli/internal/logx"
)

var log = logx.New("processor")

// ActProcessor is satisfied by anything the registry can dispatch a
// completed act to. ShouldProcess lets a processor opt out cheaply, without
// paying the cost of a Process call it would reject anyway.
type ActProcessor interface {
	Name() string
	ShouldProcess(ctx context.Context, pctx executor.ProcessorContext) bool
	Process(ctx context.Context, pctx executor.ProcessorContext) error
}

// Registry dispatches a completed act to every registered processor that
// wants it. A processor's failure does not stop the others from running:
// all errors are collected and returned together, so one malformed act
// output never silently swallows a sibling processor's work.
type Registry struct {
	processors []ActProcessor
}

// NewRegistry returns an empty registry. Processors are added with Register.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a processor to the pipeline, in the order it should run.
func (r *Registry) Register(p ActProcessor) {
	r.processors = append(r.processors, p)
}

// Len reports how many processors are registered.
func (r *Registry) Len() int { return len(r.processors) }

// Process runs every registered processor whose ShouldProcess accepts pctx.
// It implements executor.Processors.
func (r *Registry) Process(ctx context.Context, pctx executor.ProcessorContext) error {
	var errs []error
	ran := 0
	for _, p := range r.processors {
		if !p.ShouldProcess(ctx, pctx) {
			continue
		}
		ran++
		if err := p.Process(ctx, pctx); err != nil {
			log.Warn("processor %q failed on act %q: %v", p.Name(), pctx.ActName, err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("processor: %d of %d processor(s) failed on act %q: %w", len(errs), ran, pctx.ActName, errors.Join(errs...))
}
