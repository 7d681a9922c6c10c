package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-intel/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/backend"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/config"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/dlq"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/enrich"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/feed"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/journal"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/worker"
)

// closers runs cleanup functions in reverse order.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func backendConfig(cfg *config.Config) backend.Config {
	return backend.Config{
		Type: cfg.Backend.Type,
		OpenSearch: backend.OpenSearchConfig{
			URL:         cfg.OpenSearch.URL,
			Username:    cfg.OpenSearch.Username,
			Password:    cfg.OpenSearch.Password,
			Insecure:    cfg.OpenSearch.Insecure,
			IndexPrefix: cfg.OpenSearch.IndexPrefix,
			Refresh:     cfg.OpenSearch.Refresh,
		},
	}
}

func (a *app) backendFactory() (backend.Factory, error) {
	return backend.NewFactory(backendConfig(a.cfg), a.logger)
}

func (a *app) openBackend(ctx context.Context) (backend.Backend, error) {
	factory, err := a.backendFactory()
	if err != nil {
		return nil, err
	}
	return factory(ctx)
}

// pipeline builds the enrichment pipeline from the enrich section. The DNS
// resolver is only created when a configured provider or plugin needs it.
func (a *app) pipeline(cl *closers) (*enrich.Pipeline, error) {
	ec := a.cfg.Enrich
	deps := enrich.Dependencies{Logger: a.logger}

	if needsResolver(ec.Meta, ec.Plugins) {
		r, err := enrich.NewDNSResolver(ec.Resolvers, ec.ResolverTimeout)
		if err != nil {
			return nil, err
		}
		deps.Resolver = r
	}
	if ec.GeoIPFile != "" {
		geo, err := enrich.OpenMaxMind(ec.GeoIPFile)
		if err != nil {
			return nil, err
		}
		cl.add(geo.Close)
		deps.Geo = geo
	}

	meta, plugins, err := enrich.Build(ec.Meta, ec.Plugins, deps)
	if err != nil {
		return nil, err
	}
	a.logger.Info("enrichment configured",
		logging.Count(len(meta)+len(plugins)),
		"meta", ec.Meta,
		"plugins", ec.Plugins,
	)
	return enrich.NewPipeline(meta, plugins,
		enrich.WithConfidenceMin(ec.ConfidenceMin),
		enrich.WithLogger(a.logger),
	), nil
}

func needsResolver(meta, plugins []string) bool {
	for _, name := range append(append([]string(nil), meta...), plugins...) {
		switch strings.ToLower(name) {
		case "bgp", "resolver", "spamhaus":
			return true
		}
	}
	return false
}

func (a *app) journalStore(ctx context.Context, cl *closers) (journal.Store, error) {
	switch strings.ToLower(a.cfg.Journal.Type) {
	case config.JournalRedis:
		s, err := journal.NewRedisStoreFromURL(ctx, a.cfg.Journal.RedisURL, a.cfg.Journal.TTL)
		if err != nil {
			return nil, err
		}
		cl.add(s.Close)
		return s, nil
	default:
		return journal.NewFileStore(a.cfg.Feeds.CacheDir)
	}
}

func (a *app) fetcher() *feed.Fetcher {
	return feed.NewFetcher(a.cfg.Feeds.FetchTimeout,
		feed.WithUserAgent(a.cfg.Feeds.UserAgent),
		feed.WithTempDir(a.cfg.Feeds.CacheDir),
		feed.WithLogger(a.logger),
	)
}

// broker connects to NATS and declares the work, fanout and dead-letter
// streams.
func (a *app) broker(ctx context.Context, cl *closers) (*natsclient.JetStreamClient, error) {
	nc := a.cfg.NATS
	ncfg := natsclient.DefaultConfig()
	ncfg.URL = nc.URL
	ncfg.MaxReconnects = nc.MaxReconnects
	ncfg.ReconnectWait = nc.ReconnectWait
	ncfg.Logger = a.logger

	js, err := natsclient.NewJetStreamClient(ncfg)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	cl.add(js.Close)

	work := natsclient.ObservablesStream
	work.Name = nc.Stream
	work.Subjects = []string{nc.WorkSubject}
	events := natsclient.EventsStream
	events.Subjects = []string{nc.FanoutSubject}

	for _, s := range []natsclient.StreamConfig{work, events, natsclient.DLQStream} {
		if _, err := js.CreateOrUpdateStream(ctx, s); err != nil {
			return nil, fmt.Errorf("declare stream %s: %w", s.Name, err)
		}
	}
	return js, nil
}

func (a *app) consumerOpener(js *natsclient.JetStreamClient) worker.ConsumerOpener {
	nc := a.cfg.NATS
	consumerCfg := natsclient.DefaultConsumerConfig(nc.Consumer, nc.WorkSubject)
	return func(ctx context.Context) (messaging.Consumer, error) {
		c, err := js.OpenConsumer(ctx, nc.Stream, consumerCfg, nc.Prefetch)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// deadLetters returns the configured DLQ writer, or nil when disabled.
func (a *app) deadLetters(js *natsclient.JetStreamClient) (dlq.Writer, error) {
	dc := a.cfg.DLQ
	if !dc.Enabled {
		return nil, nil
	}
	if strings.EqualFold(dc.Backend, config.DLQJetStream) {
		if js == nil {
			return nil, errors.New("jetstream dead-letter queue needs a broker connection")
		}
		return dlq.NewBrokerQueue(js, a.logger), nil
	}
	return dlq.NewQueue(dc.BasePath, a.logger)
}

func (a *app) poolConfig() worker.PoolConfig {
	wc := a.cfg.Workers
	return worker.PoolConfig{
		Processes: wc.Processes,
		ProcessConfig: worker.ProcessConfig{
			Threads:        wc.Threads,
			LocalCapacity:  wc.LocalCapacity,
			RecycleAfter:   wc.RecycleAfter,
			ConnectBackoff: wc.ConnectBackoff,
		},
	}
}
