package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/dlq"
)

func init() {
	color.NoColor = true
}

type env struct {
	dir      string
	feedsDir string
	dlqDir   string
	config   string
}

// newEnv writes a config that keeps every path under a temp dir and turns
// off enrichment, so commands run without network access.
func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	e := env{
		dir:      dir,
		feedsDir: filepath.Join(dir, "feeds"),
		dlqDir:   filepath.Join(dir, "dlq"),
		config:   filepath.Join(dir, "config.yaml"),
	}
	require.NoError(t, os.MkdirAll(e.feedsDir, 0o755))

	cfg := fmt.Sprintf(`
logging:
  level: error
server:
  enabled: false
feeds:
  dir: %s
  cache_dir: %s
  watch: false
workers:
  processes: 1
  threads: 2
enrich:
  meta: []
  plugins: []
dlq:
  base_path: %s
`, e.feedsDir, filepath.Join(dir, "cache"), e.dlqDir)
	require.NoError(t, os.WriteFile(e.config, []byte(cfg), 0o644))
	return e
}

func (e env) writeFeed(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.feedsDir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (e env) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func hostsFeed(remote string) string {
	return fmt.Sprintf(`
parser: regex
defaults:
  provider: example.org
  tags: [suspicious]
feeds:
  hosts:
    remote: %s
    pattern: '^(\S+)$'
    values: [observable]
    interval: daily
`, remote)
}

func TestCommandsRegistered(t *testing.T) {
	root := NewRootCommand()

	expected := map[string][]string{
		"serve":   nil,
		"feed":    {"list", "run"},
		"backend": {"install", "ping", "search"},
		"dlq":     {"list", "purge", "replay"},
	}
	for name, subs := range expected {
		t.Run(name, func(t *testing.T) {
			cmd, _, err := root.Find([]string{name})
			require.NoError(t, err)
			require.Equal(t, name, cmd.Name())
			for _, sub := range subs {
				found, _, err := root.Find([]string{name, sub})
				require.NoError(t, err)
				assert.Equal(t, sub, found.Name())
			}
		})
	}
}

func TestParseFilters(t *testing.T) {
	tests := []struct {
		name    string
		filters []string
		want    map[string][]string
		wantErr bool
	}{
		{"empty", nil, map[string][]string{}, false},
		{"single", []string{"tags=botnet"}, map[string][]string{"tags": {"botnet"}}, false},
		{"repeated key", []string{"otype=ipv4", "otype=fqdn"}, map[string][]string{"otype": {"ipv4", "fqdn"}}, false},
		{"negated", []string{"provider=!example.org"}, map[string][]string{"provider": {"!example.org"}}, false},
		{"value with equals", []string{"description=a=b"}, map[string][]string{"description": {"a=b"}}, false},
		{"missing equals", []string{"tags"}, nil, true},
		{"empty key", []string{" =x"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFilters(tt.filters)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNeedsResolver(t *testing.T) {
	tests := []struct {
		name    string
		meta    []string
		plugins []string
		want    bool
	}{
		{"nothing", nil, nil, false},
		{"bgp meta", []string{"bgp"}, nil, true},
		{"resolver plugin", nil, []string{"Resolver"}, true},
		{"spamhaus plugin", nil, []string{"spamhaus"}, true},
		{"offline plugins", nil, []string{"urlresolver", "bgpwhitelist"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, needsResolver(tt.meta, tt.plugins))
		})
	}
}

func TestClosers_ReverseOrder(t *testing.T) {
	var order []int
	var cl closers
	for i := 1; i <= 3; i++ {
		cl.add(func() error {
			order = append(order, i)
			if i == 2 {
				return errors.New("two")
			}
			return nil
		})
	}

	err := cl.Close()
	assert.EqualError(t, err, "two")
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestTableRender(t *testing.T) {
	tbl := newTable("NAME", "VALUE")
	tbl.add("short", "1")
	tbl.add("a-longer-name", "2")

	var buf bytes.Buffer
	tbl.render(&buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "NAME           VALUE"))
	assert.True(t, strings.HasPrefix(lines[1], strings.Repeat("-", len("a-longer-name"))))
	assert.True(t, strings.HasPrefix(lines[2], "short          1"))
	assert.True(t, strings.HasPrefix(lines[3], "a-longer-name  2"))
}

func TestFeedList(t *testing.T) {
	e := newEnv(t)
	e.writeFeed(t, "example.yml", hostsFeed("/tmp/hosts.txt"))

	t.Run("table", func(t *testing.T) {
		out, _, err := e.run(t, "feed", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "example.yml")
		assert.Contains(t, out, "hosts")
		assert.Contains(t, out, "@daily")
	})

	t.Run("json", func(t *testing.T) {
		out, _, err := e.run(t, "feed", "list", "--json")
		require.NoError(t, err)
		var rows []feedRow
		require.NoError(t, json.Unmarshal([]byte(out), &rows))
		require.Len(t, rows, 1)
		assert.Equal(t, "hosts", rows[0].Name)
		assert.Equal(t, "regex", rows[0].Parser)
		assert.Equal(t, "/tmp/hosts.txt", rows[0].Remote)
	})

	t.Run("broken file warns", func(t *testing.T) {
		e.writeFeed(t, "broken.yml", "feeds: [not, a, map")
		out, stderr, err := e.run(t, "feed", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "hosts")
		assert.Contains(t, stderr, "some feed files failed to load")
	})
}

func TestFeedRun(t *testing.T) {
	e := newEnv(t)
	data := filepath.Join(e.dir, "hosts.txt")
	require.NoError(t, os.WriteFile(data, []byte("example.com\nexample.net\n"), 0o644))
	file := e.writeFeed(t, "example.yml", hostsFeed(data))

	out, _, err := e.run(t, "feed", "run", file, "hosts")
	require.NoError(t, err)
	assert.Contains(t, out, "2 new observables")

	// The journal remembers what the first run saw.
	out, _, err = e.run(t, "feed", "run", file, "hosts")
	require.NoError(t, err)
	assert.Contains(t, out, "0 new observables")
}

func TestFeedRun_UnknownFeed(t *testing.T) {
	e := newEnv(t)
	file := e.writeFeed(t, "example.yml", hostsFeed("/tmp/hosts.txt"))

	_, _, err := e.run(t, "feed", "run", file, "nope")
	assert.Error(t, err)
}

func TestBackendCommands(t *testing.T) {
	e := newEnv(t)

	t.Run("ping", func(t *testing.T) {
		out, _, err := e.run(t, "backend", "ping")
		require.NoError(t, err)
		assert.Contains(t, out, "memory backend is up")
	})

	t.Run("install", func(t *testing.T) {
		out, _, err := e.run(t, "backend", "install")
		require.NoError(t, err)
		assert.Contains(t, out, "memory backend")
	})

	t.Run("search empty", func(t *testing.T) {
		out, _, err := e.run(t, "backend", "search", "example.com")
		require.NoError(t, err)
		assert.Contains(t, out, "no observables found")
	})

	t.Run("bad filter", func(t *testing.T) {
		_, _, err := e.run(t, "backend", "search", "--filter", "tags")
		assert.Error(t, err)
	})
}

func seedDLQ(t *testing.T, dir string, n int) {
	t.Helper()
	q, err := dlq.NewQueue(dir, nil)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		payload := fmt.Sprintf(`{"observable":"host%d.example.com"}`, i)
		require.NoError(t, q.Write(context.Background(), "intel.observables.submit", []byte(payload), 2, errors.New("store failed"), "max_deliveries"))
	}
}

func TestDLQList(t *testing.T) {
	e := newEnv(t)
	seedDLQ(t, e.dlqDir, 3)

	t.Run("table", func(t *testing.T) {
		out, _, err := e.run(t, "dlq", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "max_deliveries")
		assert.Contains(t, out, "store failed")
	})

	t.Run("json with limit", func(t *testing.T) {
		out, _, err := e.run(t, "dlq", "list", "--json", "--limit", "2")
		require.NoError(t, err)
		var msgs []dlq.FailedMessage
		require.NoError(t, json.Unmarshal([]byte(out), &msgs))
		assert.Len(t, msgs, 2)
	})
}

func TestDLQPurge(t *testing.T) {
	e := newEnv(t)
	seedDLQ(t, e.dlqDir, 2)

	q, err := dlq.NewQueue(e.dlqDir, nil)
	require.NoError(t, err)
	msgs, err := q.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	out, _, err := e.run(t, "dlq", "purge", msgs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+msgs[0].ID)

	out, _, err = e.run(t, "dlq", "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 1 messages")

	left, err := q.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDLQReplay_NeedsBroker(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.run(t, "dlq", "replay")
	assert.ErrorContains(t, err, "nats.enabled")
}

type recordingPublisher struct {
	subjects []string
	payloads []string
	failOn   int
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	if p.failOn > 0 && len(p.subjects)+1 == p.failOn {
		return errors.New("publish failed")
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, string(data))
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestReplay(t *testing.T) {
	ctx := context.Background()

	t.Run("republishes and removes", func(t *testing.T) {
		dir := t.TempDir()
		seedDLQ(t, dir, 2)
		q, err := dlq.NewQueue(dir, nil)
		require.NoError(t, err)
		require.NoError(t, q.Write(ctx, "", []byte(`{"observable":"orphan.example.com"}`), 1, errors.New("x"), "decode"))

		pub := &recordingPublisher{}
		n, err := replay(ctx, q, pub, "fallback.subject")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Contains(t, pub.subjects, "fallback.subject")
		assert.Contains(t, pub.payloads, `{"observable":"host0.example.com"}`)

		left, err := q.List(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, left)
	})

	t.Run("stops at first failure", func(t *testing.T) {
		dir := t.TempDir()
		seedDLQ(t, dir, 3)
		q, err := dlq.NewQueue(dir, nil)
		require.NoError(t, err)

		n, err := replay(ctx, q, &recordingPublisher{failOn: 2}, "s")
		assert.Error(t, err)
		assert.Equal(t, 1, n)

		left, err := q.List(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, left, 2)
	})
}
