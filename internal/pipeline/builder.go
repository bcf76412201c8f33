package pipeline

import (
	"context"
	"fmt"

	"winnow/internal/evidence"
	"winnow/internal/graph"
	"winnow/internal/refine"
)

// Builder helps construct a fully configured Runner
type Builder struct {
	supplier    ArticleSupplier
	graphs      GraphProvider
	engine      *refine.Engine
	evidence    *evidence.Builder
	dispatcher  Dispatcher
	checkpoints CheckpointStore
	sink        ResultSink
	config      Config
}

// NewBuilder creates a new runner builder with default settings
func NewBuilder() *Builder {
	return &Builder{
		engine:   refine.NewEngine(refine.DefaultParams()),
		evidence: evidence.NewBuilder(),
		config:   DefaultConfig(),
	}
}

// WithSupplier sets the article supplier
func (b *Builder) WithSupplier(supplier ArticleSupplier) *Builder {
	b.supplier = supplier
	return b
}

// WithGraphs sets the tag-label graph provider
func (b *Builder) WithGraphs(graphs GraphProvider) *Builder {
	b.graphs = graphs
	return b
}

// WithEngine sets the genre refinement engine
func (b *Builder) WithEngine(engine *refine.Engine) *Builder {
	b.engine = engine
	return b
}

// WithEvidenceBuilder sets the evidence corpus builder
func (b *Builder) WithEvidenceBuilder(builder *evidence.Builder) *Builder {
	b.evidence = builder
	return b
}

// WithDispatcher sets the dispatch orchestrator
func (b *Builder) WithDispatcher(dispatcher Dispatcher) *Builder {
	b.dispatcher = dispatcher
	return b
}

// WithCheckpoints sets the stage checkpoint store
func (b *Builder) WithCheckpoints(checkpoints CheckpointStore) *Builder {
	b.checkpoints = checkpoints
	return b
}

// WithSink sets the dispatch result sink
func (b *Builder) WithSink(sink ResultSink) *Builder {
	b.sink = sink
	return b
}

// WithConfig sets the runner configuration
func (b *Builder) WithConfig(config Config) *Builder {
	b.config = config
	return b
}

// Build constructs a fully configured Runner
func (b *Builder) Build() (*Runner, error) {
	// Validate required components
	if b.supplier == nil {
		return nil, fmt.Errorf("an article supplier is required")
	}
	if b.dispatcher == nil {
		return nil, fmt.Errorf("a dispatcher is required")
	}
	if b.checkpoints == nil {
		return nil, fmt.Errorf("a checkpoint store is required")
	}
	if b.sink == nil {
		return nil, fmt.Errorf("a result sink is required")
	}

	// The graph provider is optional: refinement degrades gracefully
	// without co-occurrence boosts.
	graphs := b.graphs
	if graphs == nil {
		graphs = noGraphs{}
	}

	return NewRunner(
		b.supplier,
		graphs,
		b.engine,
		b.evidence,
		b.dispatcher,
		b.checkpoints,
		b.sink,
		b.config,
	), nil
}

// noGraphs is the stand-in provider used when no graph source is configured.
type noGraphs struct{}

func (noGraphs) Snapshot(ctx context.Context) (*graph.Snapshot, error) {
	return nil, nil
}
