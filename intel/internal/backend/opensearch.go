package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/metrics"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

// DefaultIndexPrefix names the daily observable indices.
const DefaultIndexPrefix = "telhawk-intel-observables"

// OpenSearchConfig holds the connection settings.
type OpenSearchConfig struct {
	URL         string
	Username    string
	Password    string
	Insecure    bool
	IndexPrefix string
	// Refresh is passed to bulk requests ("", "true" or "wait_for").
	Refresh string
}

// Option configures an OpenSearch backend.
type Option func(*OpenSearch)

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *OpenSearch) { b.logger = l }
}

// OpenSearch stores observables in daily indices named
// <prefix>-YYYY.MM.DD after the observable timestamp.
type OpenSearch struct {
	client  *opensearch.Client
	prefix  string
	refresh string
	logger  *slog.Logger
}

// NewOpenSearch builds a client. It does not contact the cluster; call Ping
// to check connectivity.
func NewOpenSearch(cfg OpenSearchConfig, opts ...Option) (*OpenSearch, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	b := &OpenSearch{
		client:  client,
		prefix:  cfg.IndexPrefix,
		refresh: cfg.Refresh,
	}
	if b.prefix == "" {
		b.prefix = DefaultIndexPrefix
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrDefault(b.logger).With(logging.Remote(cfg.URL))
	return b, nil
}

// IndexFor returns the index an observable is written to.
func (b *OpenSearch) IndexFor(o *observable.Observable) string {
	ts, err := time.Parse(observable.TimeFormat, o.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	return b.prefix + "-" + ts.Format("2006.01.02")
}

// Create bulk-creates observables. An existing id fails that entry with
// ResultDuplicate.
func (b *OpenSearch) Create(ctx context.Context, obs []*observable.Observable) ([]Result, error) {
	start := time.Now()
	defer func() { metrics.StorageDuration.Observe(time.Since(start).Seconds()) }()

	results := make([]Result, len(obs))
	for i := range results {
		results[i] = Result{Message: "not indexed"}
	}
	if len(obs) == 0 {
		return results, nil
	}

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     b.client,
		NumWorkers: 1,
		Refresh:    b.refresh,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create bulk indexer: %v", ErrBackend, err)
	}

	var mu sync.Mutex
	set := func(i int, r Result) {
		mu.Lock()
		results[i] = r
		mu.Unlock()
	}

	for i, o := range obs {
		i := i
		data, err := json.Marshal(document(o))
		if err != nil {
			results[i] = Result{Message: fmt.Sprintf("marshal: %v", err)}
			continue
		}
		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "create",
			Index:      b.IndexFor(o),
			DocumentID: o.ID,
			Body:       bytes.NewReader(data),
			OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem) {
				set(i, Result{OK: true, Message: "success"})
			},
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				switch {
				case err != nil:
					set(i, Result{Message: err.Error()})
				case res.Status == http.StatusConflict:
					set(i, Result{Message: ResultDuplicate})
				default:
					set(i, Result{Message: fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason)})
				}
			},
		})
		if err != nil {
			results[i] = Result{Message: fmt.Sprintf("add to bulk indexer: %v", err)}
		}
	}

	if err := bi.Close(ctx); err != nil {
		metrics.StorageErrors.Inc()
		return results, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	stats := bi.Stats()
	if stats.NumFailed > 0 {
		b.logger.WarnContext(ctx, "bulk create had failures",
			logging.Count(int(stats.NumFailed)),
			slog.Uint64("created", stats.NumCreated),
		)
	}
	return results, nil
}

// document is the stored form: the flattened fields plus @timestamp.
func document(o *observable.Observable) map[string]any {
	doc := o.Fields()
	doc["@timestamp"] = o.Timestamp
	return doc
}

// Search runs BuildQuery(params) across all observable indices.
func (b *OpenSearch) Search(ctx context.Context, params map[string][]string, start, count int) ([]*observable.Observable, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(BuildQuery(params)); err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	search := b.client.Search
	opts := []func(*opensearchapi.SearchRequest){
		search.WithContext(ctx),
		search.WithIndex(b.prefix + "-*"),
		search.WithBody(&buf),
	}
	if start > 0 {
		opts = append(opts, search.WithFrom(start))
	}
	if count > 0 {
		opts = append(opts, search.WithSize(count))
	}

	res, err := search(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: search request: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("%w: search: %s - %s", ErrBackend, res.Status(), strings.TrimSpace(string(body)))
	}

	var result struct {
		TimedOut bool `json:"timed_out"`
		Hits     *struct {
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrBackend, err)
	}
	if result.TimedOut {
		return nil, fmt.Errorf("%w: query timed out", ErrBackend)
	}
	if result.Hits == nil {
		return nil, fmt.Errorf("%w: response has no hits", ErrBackend)
	}
	if len(result.Hits.Hits) == 0 {
		return nil, ErrNotFound
	}

	out := make([]*observable.Observable, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		o, err := Rehydrate(hit.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// Rehydrate rebuilds a stored document without validation. Keys starting
// with "@" are storage metadata and are dropped.
func Rehydrate(source []byte) (*observable.Observable, error) {
	dec := json.NewDecoder(bytes.NewReader(source))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	for k := range fields {
		if strings.HasPrefix(k, "@") {
			delete(fields, k)
		}
	}
	return observable.New(fields, observable.WithoutValidation())
}

// Ping checks that the cluster answers.
func (b *OpenSearch) Ping(ctx context.Context) error {
	res, err := b.client.Info(b.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: opensearch returned %s", ErrUnavailable, res.Status())
	}
	return nil
}

// Install writes the index template for the observable indices.
func (b *OpenSearch) Install(ctx context.Context) error {
	template := map[string]any{
		"index_patterns": []string{b.prefix + "-*"},
		"template": map[string]any{
			"settings": map[string]any{
				"number_of_shards":   1,
				"number_of_replicas": 0,
			},
			"mappings": observableMappings(),
		},
		"priority": 100,
	}
	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := b.client.Indices.PutIndexTemplate(
		b.prefix+"-template",
		bytes.NewReader(body),
		b.client.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%w: failed to create index template: %s - %s", ErrBackend, res.Status(), string(bodyBytes))
	}
	b.logger.InfoContext(ctx, "installed index template", slog.String("template", b.prefix+"-template"))
	return nil
}

func (b *OpenSearch) Close() error { return nil }

func observableMappings() map[string]any {
	keyword := map[string]any{"type": "keyword"}
	date := map[string]any{"type": "date"}
	return map[string]any{
		"properties": map[string]any{
			"@timestamp":  date,
			"id":          keyword,
			"observable":  keyword,
			"otype":       keyword,
			"confidence":  map[string]any{"type": "float"},
			"tags":        keyword,
			"group":       keyword,
			"tlp":         keyword,
			"provider":    keyword,
			"application": keyword,
			"related":     keyword,
			"description": map[string]any{"type": "text", "fields": map[string]any{"raw": keyword}},
			"timestamp":   date,
			"firsttime":   date,
			"lasttime":    date,
			"reporttime":  date,
			"rdata":       keyword,
			"rtype":       keyword,
			"cc":          keyword,
			"portlist":    map[string]any{"type": "integer"},
			"asn":         map[string]any{"type": "long"},
			"prefix":      keyword,
			"latitude":    map[string]any{"type": "double"},
			"longitude":   map[string]any{"type": "double"},
			"geolocation": map[string]any{"type": "geo_point"},
		},
	}
}
