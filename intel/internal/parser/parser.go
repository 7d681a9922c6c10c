// Package parser turns decoded feed content into deduplicated observables.
//
// An Engine wraps one strategy (regex, delim, csv, json, rss or html) and
// hands out observables in batches. Each record is reduced to a flat field
// map, checked against the feed journal and, when new, merged with the
// feed's base template before the observable is constructed.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/feed"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

var (
	// ErrUnknownParser means the feed names a strategy that does not exist.
	ErrUnknownParser = errors.New("unknown parser")
	// ErrInvalidPattern means the feed's extraction rule cannot be used.
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrFormat means the content cannot be read by the chosen strategy.
	ErrFormat = errors.New("content does not match parser format")
)

// errNoMatch and errMismatch mark records that are skipped.
var (
	errNoMatch  = errors.New("no match")
	errMismatch = errors.New("field count mismatch")
)

// DefaultBatchSize is used when Next is called with a non-positive max.
const DefaultBatchSize = 2000

// Journal is the dedup state consulted for every extracted record.
type Journal interface {
	Seen(raw string) (string, bool)
	Record(raw, id string)
	Commit(ctx context.Context) error
}

// record is one extracted entry. Line oriented strategies fill positional,
// structured ones fill keyed.
type record struct {
	positional []string
	keyed      map[string]string
	raw        string
}

type recordReader interface {
	// next returns the next record or io.EOF. Records that cannot be used
	// are reported with errNoMatch or errMismatch.
	next() (record, error)
	// position is the restart cursor: a byte offset or an entry index.
	position() int64
}

type factory func(def *feed.Definition, r io.Reader) (recordReader, error)

var strategies = map[string]factory{
	"regex": newRegexReader,
	"delim": newDelimReader,
	"csv":   newCSVReader,
	"json":  newJSONReader,
	"rss":   newRSSReader,
	"html":  newHTMLReader,
}

// Strategies lists the registered parser names.
func Strategies() []string {
	out := make([]string, 0, len(strategies))
	for name := range strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock fixes the creation time of produced observables.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine produces observables from one feed run.
type Engine struct {
	def     *feed.Definition
	base    map[string]any
	reader  recordReader
	journal Journal
	logger  *slog.Logger
	now     func() time.Time

	started bool
	done    bool
	total   int
}

// New prepares a parse of r for def. base is the template merged into every
// observable; nil uses the definition's own template.
func New(def *feed.Definition, base map[string]any, r io.Reader, j Journal, opts ...Option) (*Engine, error) {
	if j == nil {
		return nil, errors.New("parser requires a journal")
	}
	name := strings.ToLower(def.Parser)
	if name == "" {
		name = feed.DefaultParser
	}
	build, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParser, def.Parser)
	}
	if base == nil {
		base = def.BaseMeta()
	}

	e := &Engine{def: def, base: base, journal: j, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger).With(logging.Feed(def.Name), logging.FeedFile(def.File))

	reader, err := build(def, r)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", def.Name, err)
	}
	e.reader = reader
	return e, nil
}

// Done reports whether the content is exhausted or the end ceiling reached.
func (e *Engine) Done() bool {
	return e.done
}

// Total is the number of records extracted so far.
func (e *Engine) Total() int {
	return e.total
}

// Position returns the reader cursor.
func (e *Engine) Position() int64 {
	return e.reader.position()
}

// Next returns up to max new observables in source order and commits the
// journal. It returns an empty batch once Done.
func (e *Engine) Next(ctx context.Context, max int) ([]*observable.Observable, error) {
	if e.done {
		return nil, nil
	}
	if max <= 0 {
		max = DefaultBatchSize
	}
	if !e.started {
		e.started = true
		if err := e.skipStart(); err != nil {
			return nil, err
		}
	}

	var out []*observable.Observable
	for !e.done && len(out) < max {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		rec, err := e.reader.next()
		switch {
		case errors.Is(err, io.EOF):
			e.done = true
			continue
		case errors.Is(err, errNoMatch):
			e.logger.Debug("no match", slog.Int64("position", e.reader.position()), slog.String("content", rec.raw))
			continue
		case errors.Is(err, errMismatch):
			e.logger.Warn("skipping record", slog.Int64("position", e.reader.position()), logging.Error(err))
			continue
		case err != nil:
			e.done = true
			return out, fmt.Errorf("read feed %s: %w", e.def.Name, err)
		}

		fields, err := e.extract(rec)
		if err != nil {
			e.logger.Warn("skipping record", slog.Int64("position", e.reader.position()), logging.Error(err))
			continue
		}
		e.total++

		if o := e.materialize(fields); o != nil {
			out = append(out, o)
		}
		if e.def.End > 0 && e.total >= e.def.End {
			e.done = true
		}
	}

	if err := e.journal.Commit(ctx); err != nil {
		return out, fmt.Errorf("commit journal: %w", err)
	}
	return out, nil
}

func (e *Engine) skipStart() error {
	for i := 0; i < e.def.Start; i++ {
		_, err := e.reader.next()
		if errors.Is(err, io.EOF) {
			e.done = true
			return nil
		}
		if err != nil && !errors.Is(err, errNoMatch) && !errors.Is(err, errMismatch) {
			e.done = true
			return fmt.Errorf("read feed %s: %w", e.def.Name, err)
		}
	}
	return nil
}

// extract binds record values to the definition's field names. Empty names
// are dropped.
func (e *Engine) extract(rec record) (map[string]string, error) {
	fields := make(map[string]string, len(e.def.Values))
	for i, name := range e.def.Values {
		if name == "" {
			continue
		}
		if rec.keyed != nil {
			if i >= len(e.def.Map) {
				return nil, fmt.Errorf("%w: no map entry for %s", errMismatch, name)
			}
			v, ok := rec.keyed[e.def.Map[i]]
			if !ok {
				return nil, fmt.Errorf("%w: entry has no %q", errMismatch, e.def.Map[i])
			}
			fields[name] = v
			continue
		}
		if i >= len(rec.positional) {
			return nil, fmt.Errorf("%w: %d values for %d names", errMismatch, len(rec.positional), len(e.def.Values))
		}
		fields[name] = rec.positional[i]
	}
	return fields, nil
}

// materialize returns a new observable for fields, or nil when the raw value
// is already journaled or the observable cannot be built.
func (e *Engine) materialize(fields map[string]string) *observable.Observable {
	raw, ok := fields["observable"]
	if !ok || raw == "" {
		e.logger.Warn("record has no observable value")
		return nil
	}
	if _, seen := e.journal.Seen(raw); seen {
		return nil
	}

	merged := render(e.base, fields)

	o, err := observable.New(merged, observable.WithClock(e.now))
	if err != nil {
		e.logger.Warn("could not create observable", logging.Observable(raw), logging.Error(err))
		return nil
	}
	e.journal.Record(raw, o.ID)
	return o
}

var placeholder = regexp.MustCompile(`<([^<>.]+)>`)

// render merges the extracted fields over base and interpolates the result.
// A base template that references a field, such as
// altid: "https://example.org/<altid>", is expanded against the extracted
// record and replaces the raw extracted value.
func render(base map[string]any, fields map[string]string) map[string]any {
	merged := make(map[string]any, len(base)+len(fields))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	for k, v := range base {
		if s, ok := v.(string); ok && placeholder.MatchString(s) {
			merged[k] = s
		}
	}
	interpolateWith(merged, snapshot(base, fields))
	return merged
}

// interpolate replaces <field> references in string values with the value
// of field from the record as it was before any replacement.
func interpolate(m map[string]any) {
	interpolateWith(m, snapshot(m, nil))
}

// snapshot flattens base and fields into substitution values; fields win.
func snapshot(base map[string]any, fields map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(fields))
	for k, v := range base {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func interpolateWith(m map[string]any, snapshot map[string]string) {
	for k, v := range m {
		s, ok := v.(string)
		if !ok || !strings.Contains(s, "<") {
			continue
		}
		m[k] = placeholder.ReplaceAllStringFunc(s, func(ref string) string {
			name := ref[1 : len(ref)-1]
			sub, ok := snapshot[name]
			// A template never expands into itself.
			if !ok || (name == k && sub == s) {
				return ref
			}
			return sub
		})
	}
}
