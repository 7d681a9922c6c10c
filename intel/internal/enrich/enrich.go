// Package enrich augments observables with context and derives related
// observables from them.
//
// Meta providers add fields to an observable in place. Plugins build new
// observables that point back to their source through Related. A Pipeline
// runs every provider, then every plugin, then the providers again on each
// derived observable.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/metrics"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

// MetaProvider adds contextual fields to an observable. Providers must
// leave observables of types they do not handle untouched.
type MetaProvider interface {
	Name() string
	Augment(ctx context.Context, o *observable.Observable) error
}

// Plugin derives new observables from an existing one. Plugins return
// nothing for observables of types they do not handle.
type Plugin interface {
	Name() string
	Derive(ctx context.Context, o *observable.Observable) ([]*observable.Observable, error)
}

// Pipeline applies meta providers and plugins in registration order.
type Pipeline struct {
	meta          []MetaProvider
	plugins       []Plugin
	confidenceMin float64
	logger        *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithConfidenceMin sets the source confidence below which plugins are
// skipped. Derived observables are not filtered by it.
func WithConfidenceMin(min float64) PipelineOption {
	return func(p *Pipeline) { p.confidenceMin = min }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline builds a pipeline.
func NewPipeline(meta []MetaProvider, plugins []Plugin, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		meta:          meta,
		plugins:       plugins,
		confidenceMin: observable.DefaultConfidenceMin,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger)
	return p
}

// Process enriches o and returns it followed by everything derived from it.
// A failing provider or plugin is logged and skipped.
//
// A derived observable never carries more confidence than o: a plugin that
// sets a higher value, such as spamhaus with 95, is lowered to o's.
func (p *Pipeline) Process(ctx context.Context, o *observable.Observable) []*observable.Observable {
	start := time.Now()
	defer func() { metrics.EnrichDuration.Observe(time.Since(start).Seconds()) }()

	p.augment(ctx, o)

	out := []*observable.Observable{o}
	if o.Confidence < p.confidenceMin {
		return out
	}

	for _, plugin := range p.plugins {
		derived, err := p.derive(ctx, plugin, o)
		if err != nil {
			metrics.EnrichFailures.WithLabelValues("plugin", plugin.Name()).Inc()
			p.logger.WarnContext(ctx, "plugin failed",
				logging.Plugin(plugin.Name()),
				logging.ObservableID(o.ID),
				logging.Error(err),
			)
			continue
		}
		for _, d := range derived {
			if d == nil {
				continue
			}
			if d.Related == "" {
				d.Related = o.ID
			}
			if d.Confidence > o.Confidence {
				d.Confidence = o.Confidence
			}
			out = append(out, d)
		}
		if n := len(derived); n > 0 {
			metrics.ObservablesDerived.WithLabelValues(plugin.Name()).Add(float64(n))
		}
	}

	for _, d := range out[1:] {
		p.augment(ctx, d)
	}
	return out
}

func (p *Pipeline) augment(ctx context.Context, o *observable.Observable) {
	for _, m := range p.meta {
		if err := p.runMeta(ctx, m, o); err != nil {
			metrics.EnrichFailures.WithLabelValues("meta", m.Name()).Inc()
			p.logger.WarnContext(ctx, "meta provider failed",
				logging.Provider(m.Name()),
				logging.ObservableID(o.ID),
				logging.Error(err),
			)
		}
	}
}

// runMeta calls one provider and restores the identity fields it must not
// change.
func (p *Pipeline) runMeta(ctx context.Context, m MetaProvider, o *observable.Observable) (err error) {
	id, otype, value := o.ID, o.Type, o.Value
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if o.ID != id || o.Type != otype || o.Value != value {
			o.ID, o.Type, o.Value = id, otype, value
			if err == nil {
				err = fmt.Errorf("provider changed observable identity")
			}
		}
	}()
	return m.Augment(ctx, o)
}

func (p *Pipeline) derive(ctx context.Context, plugin Plugin, o *observable.Observable) (out []*observable.Observable, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return plugin.Derive(ctx, o)
}

// inherit copies the fields most plugins carry from the source observable
// onto a derived one.
func inherit(src *observable.Observable, now time.Time) map[string]any {
	fields := map[string]any{
		"related":    src.ID,
		"lasttime":   now,
		"reporttime": now,
	}
	if len(src.Group) > 0 {
		fields["group"] = src.Group
	}
	for key, value := range map[string]string{
		"tlp":         src.TLP,
		"provider":    src.Provider,
		"application": src.Application,
		"altid":       src.AltID,
		"altid_tlp":   src.AltIDTLP,
	} {
		if value != "" {
			fields[key] = value
		}
	}
	if src.Address != nil {
		if len(src.Address.Portlist) > 0 {
			fields["portlist"] = src.Address.Portlist
		}
		if src.Address.Protocol != nil {
			fields["protocol"] = *src.Address.Protocol
		}
	}
	return fields
}
