package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolgate/internal/db"
	"toolgate/internal/db/repositories"
	"toolgate/internal/registry"
	"toolgate/pkg/models"
	"toolgate/pkg/types"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float64, error) {
	return []float64{1, 0}, nil
}

func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range out {
		out[i] = []float64{1, 0}
	}
	return out, nil
}

// fakeSession scripts connect/list/call behavior for hub tests.
type fakeSession struct {
	mu         sync.Mutex
	tools      []mcp.Tool
	connectErr error
	listErr    error
	callErr    error
	result     *types.DispatchResult
	calls      int
	closed     int
}

func (f *fakeSession) Connect(context.Context) error { return f.connectErr }

func (f *fakeSession) ListTools(context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeSession) CallTool(context.Context, string, map[string]any) (*types.DispatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &types.DispatchResult{OK: true, Payload: []byte(`"ok"`)}, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSession) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func newTestHub(t *testing.T, sessions map[string]*fakeSession) (*Hub, *registry.Registry) {
	t.Helper()

	database, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	reg := registry.New(repositories.New(database), stubEmbedder{})

	var configs []models.ProviderConfig
	for name := range sessions {
		configs = append(configs, models.ProviderConfig{
			Name:      name,
			Transport: models.TransportStdio,
			Command:   "provider-" + name,
			Enabled:   true,
		})
	}

	h := New(reg, configs)
	h.newSession = func(cfg models.ProviderConfig) (Session, error) {
		return sessions[cfg.Name], nil
	}
	return h, reg
}

func testTool(name, desc string) mcp.Tool {
	return mcp.Tool{Name: name, Description: desc}
}

func TestConnectPublishesTools(t *testing.T) {
	session := &fakeSession{tools: []mcp.Tool{
		testTool("read_file", "Read a file"),
		testTool("write_file", "Write a file"),
	}}
	h, reg := newTestHub(t, map[string]*fakeSession{"fs": session})
	ctx := context.Background()

	require.NoError(t, h.Connect(ctx, "fs"))

	tools, err := reg.List(ctx, "fs")
	require.NoError(t, err)
	assert.Len(t, tools, 2)
	assert.True(t, h.ProviderHealthy("fs"))
}

func TestConnectFailurePropagates(t *testing.T) {
	session := &fakeSession{connectErr: &types.ConnectionError{Provider: "fs", Err: errors.New("spawn failed")}}
	h, _ := newTestHub(t, map[string]*fakeSession{"fs": session})

	err := h.Connect(context.Background(), "fs")
	var connErr *types.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, h.ProviderHealthy("fs"))
}

func TestDispatchRoutesToOwner(t *testing.T) {
	session := &fakeSession{tools: []mcp.Tool{testTool("read_file", "Read a file")}}
	h, _ := newTestHub(t, map[string]*fakeSession{"fs": session})
	ctx := context.Background()

	require.NoError(t, h.Connect(ctx, "fs"))

	result, err := h.Dispatch(ctx, "read_file", map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 1, session.calls)
}

func TestDispatchUnknownTool(t *testing.T) {
	h, _ := newTestHub(t, map[string]*fakeSession{})

	_, err := h.Dispatch(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, types.ErrToolNotFound)
}

func TestDispatchUnhealthyProvider(t *testing.T) {
	session := &fakeSession{tools: []mcp.Tool{testTool("read_file", "Read a file")}}
	h, _ := newTestHub(t, map[string]*fakeSession{"fs": session})
	ctx := context.Background()

	require.NoError(t, h.Connect(ctx, "fs"))

	session.setListErr(errors.New("pipe closed"))
	require.Error(t, h.HealthCheck(ctx, "fs"))

	_, err := h.Dispatch(ctx, "read_file", nil)
	assert.ErrorIs(t, err, types.ErrProviderUnhealthy)
	assert.Equal(t, 0, session.calls)
}

func TestDispatchProviderErrorBecomesExecutionError(t *testing.T) {
	session := &fakeSession{
		tools:  []mcp.Tool{testTool("read_file", "Read a file")},
		result: &types.DispatchResult{OK: false, Error: "no such file"},
	}
	h, _ := newTestHub(t, map[string]*fakeSession{"fs": session})
	ctx := context.Background()

	require.NoError(t, h.Connect(ctx, "fs"))

	_, err := h.Dispatch(ctx, "read_file", nil)
	var execErr *types.ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "no such file", execErr.Message)
}

func TestHealthCheckAll(t *testing.T) {
	good := &fakeSession{tools: []mcp.Tool{testTool("a", "a")}}
	bad := &fakeSession{tools: []mcp.Tool{testTool("b", "b")}}
	h, _ := newTestHub(t, map[string]*fakeSession{"good": good, "bad": bad})
	ctx := context.Background()

	require.NoError(t, h.ConnectAll(ctx))

	bad.setListErr(errors.New("gone"))
	results := h.HealthCheckAll(ctx)
	assert.True(t, results["good"])
	assert.False(t, results["bad"])
}

func TestDisconnectRemovesTools(t *testing.T) {
	session := &fakeSession{tools: []mcp.Tool{testTool("read_file", "Read a file")}}
	h, reg := newTestHub(t, map[string]*fakeSession{"fs": session})
	ctx := context.Background()

	require.NoError(t, h.Connect(ctx, "fs"))
	require.NoError(t, h.Disconnect(ctx, "fs"))

	tools, err := reg.List(ctx, "fs")
	require.NoError(t, err)
	assert.Empty(t, tools)
	assert.Equal(t, 1, session.closed)

	// Idempotent: a second disconnect is a no-op.
	require.NoError(t, h.Disconnect(ctx, "fs"))
}

func TestReconnectReplacesConnection(t *testing.T) {
	session := &fakeSession{tools: []mcp.Tool{testTool("read_file", "Read a file")}}
	h, reg := newTestHub(t, map[string]*fakeSession{"fs": session})
	ctx := context.Background()

	require.NoError(t, h.Connect(ctx, "fs"))
	require.NoError(t, reg.RecordCall(ctx, "read_file", "fs", true, 10, nil))

	require.NoError(t, h.Reconnect(ctx, "fs"))

	assert.Equal(t, 1, session.closed)
	assert.True(t, h.ProviderHealthy("fs"))

	// Disconnect dropped the row, so stats restart after reconnect.
	tool, err := reg.Get(ctx, "read_file")
	require.NoError(t, err)
	assert.EqualValues(t, 0, tool.CallCount)
}

func TestStatusSnapshot(t *testing.T) {
	session := &fakeSession{tools: []mcp.Tool{testTool("read_file", "Read a file")}}
	h, _ := newTestHub(t, map[string]*fakeSession{"fs": session})
	ctx := context.Background()

	require.NoError(t, h.Connect(ctx, "fs"))

	statuses := h.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, "fs", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, 1, statuses[0].ToolCount)
	assert.WithinDuration(t, time.Now(), statuses[0].ConnectedAt, 5*time.Second)
}

func TestNewSessionTransportSelection(t *testing.T) {
	cases := []struct {
		name    string
		cfg     models.ProviderConfig
		wantErr bool
	}{
		{"stdio", models.ProviderConfig{Name: "a", Transport: models.TransportStdio, Command: "srv"}, false},
		{"stdio missing command", models.ProviderConfig{Name: "a", Transport: models.TransportStdio}, true},
		{"sse", models.ProviderConfig{Name: "a", Transport: models.TransportSSE, URL: "http://localhost:9"}, false},
		{"sse missing url", models.ProviderConfig{Name: "a", Transport: models.TransportSSE}, true},
		{"http", models.ProviderConfig{Name: "a", Transport: models.TransportStreamableHTTP, URL: "http://localhost:9"}, false},
		{"unknown", models.ProviderConfig{Name: "a", Transport: "grpc"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			session, err := NewSession(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, session)
			}
		})
	}
}
