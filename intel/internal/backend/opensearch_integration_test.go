//go:build integration

package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

// setupOpenSearch starts a single-node cluster with the security plugin
// disabled.
func setupOpenSearch(t *testing.T) *OpenSearch {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "opensearchproject/opensearch:2.11.1",
			ExposedPorts: []string{"9200/tcp"},
			Env: map[string]string{
				"discovery.type":          "single-node",
				"DISABLE_SECURITY_PLUGIN": "true",
				"OPENSEARCH_JAVA_OPTS":    "-Xms512m -Xmx512m",
			},
			WaitingFor: wait.ForHTTP("/").WithPort("9200/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start OpenSearch container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "9200/tcp", "http")
	if err != nil {
		t.Fatalf("Failed to get endpoint: %v", err)
	}

	b, err := NewOpenSearch(OpenSearchConfig{URL: endpoint, IndexPrefix: "intel-test", Refresh: "wait_for"})
	require.NoError(t, err)
	return b
}

func TestOpenSearchIntegration(t *testing.T) {
	b := setupOpenSearch(t)
	ctx := context.Background()

	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Install(ctx))

	a, err := observable.New(map[string]any{"observable": "198.51.100.7", "tags": "scanner", "portlist": "22,2222"})
	require.NoError(t, err)
	c, err := observable.New(map[string]any{"observable": "example.com", "tags": "phishing", "confidence": 40})
	require.NoError(t, err)

	results, err := b.Create(ctx, []*observable.Observable{a, c})
	require.NoError(t, err)
	assert.Equal(t, []Result{{OK: true, Message: "success"}, {OK: true, Message: "success"}}, results)

	results, err = b.Create(ctx, []*observable.Observable{a})
	require.NoError(t, err)
	assert.Equal(t, []Result{{Message: ResultDuplicate}}, results)

	found, err := b.Search(ctx, map[string][]string{"tags": {"scanner"}}, 0, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, a.ID, found[0].ID)
	assert.Equal(t, []int{22, 2222}, found[0].Address.Portlist)

	found, err = b.Search(ctx, map[string][]string{"confidence": {"50"}}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	_, err = b.Search(ctx, map[string][]string{"tags": {"botnet"}}, 0, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}
