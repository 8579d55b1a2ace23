package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"toolgate/internal/logging"
	"toolgate/internal/version"
	"toolgate/pkg/models"
	"toolgate/pkg/types"
)

// Session is one live connection to a tool provider. Implementations differ
// only in the wire transport they open.
type Session interface {
	// Connect opens the transport and performs the capability handshake.
	Connect(ctx context.Context) error
	// ListTools enumerates the provider's tools. Also used as the health probe.
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// CallTool invokes one tool and returns a tagged result.
	CallTool(ctx context.Context, name string, args map[string]any) (*types.DispatchResult, error)
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// NewSession selects the session implementation from the provider config.
func NewSession(cfg models.ProviderConfig) (Session, error) {
	switch cfg.Transport {
	case models.TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("provider %s: stdio transport requires a command", cfg.Name)
		}
		return &stdioSession{mcpSession: mcpSession{provider: cfg.Name}, cfg: cfg}, nil
	case models.TransportSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("provider %s: sse transport requires a url", cfg.Name)
		}
		return &sseSession{mcpSession: mcpSession{provider: cfg.Name}, cfg: cfg}, nil
	case models.TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("provider %s: http transport requires a url", cfg.Name)
		}
		return &streamableHTTPSession{mcpSession: mcpSession{provider: cfg.Name}, cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("provider %s: unsupported transport %q", cfg.Name, cfg.Transport)
	}
}

// mcpSession carries the transport-independent half of a session: the
// handshake, tool listing and call translation.
type mcpSession struct {
	provider string
	client   *client.Client
	toolless bool
}

// start brings up an mcp-go client over the given transport and runs the
// initialize handshake.
func (s *mcpSession) start(ctx context.Context, tr transport.Interface) error {
	mcpClient := client.NewClient(tr)

	if err := mcpClient.Start(ctx); err != nil {
		return &types.ConnectionError{Provider: s.provider, Err: err}
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "toolgate",
		Version: version.Version,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := mcpClient.Initialize(ctx, initRequest)
	if err != nil {
		mcpClient.Close()
		return &types.ProtocolError{Provider: s.provider, Err: err}
	}

	if serverInfo.Capabilities.Tools == nil {
		logging.Info("provider %s (%s) does not advertise tools", s.provider, serverInfo.ServerInfo.Name)
		s.toolless = true
	}

	s.client = mcpClient
	return nil
}

func (s *mcpSession) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if s.client == nil {
		return nil, &types.ConnectionError{Provider: s.provider, Err: fmt.Errorf("session not connected")}
	}
	if s.toolless {
		return []mcp.Tool{}, nil
	}

	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools from %s: %w", s.provider, err)
	}
	return result.Tools, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (*types.DispatchResult, error) {
	if s.client == nil {
		return nil, &types.ConnectionError{Provider: s.provider, Err: fmt.Errorf("session not connected")}
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	result, err := s.client.CallTool(ctx, request)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &types.TimeoutError{Tool: name}
		}
		return nil, fmt.Errorf("call to %s on provider %s failed: %w", name, s.provider, err)
	}

	return translateResult(result), nil
}

// translateResult maps an MCP call result into the tagged form. Success is
// decided solely by the provider's IsError flag.
func translateResult(result *mcp.CallToolResult) *types.DispatchResult {
	text := contentText(result)

	if result.IsError {
		if text == "" {
			text = "tool execution failed"
		}
		return &types.DispatchResult{OK: false, Error: text}
	}

	payload, err := json.Marshal(text)
	if err != nil {
		payload = []byte(`""`)
	}
	// Providers returning JSON payloads pass through untouched.
	if json.Valid([]byte(text)) && text != "" {
		payload = []byte(text)
	}
	return &types.DispatchResult{OK: true, Payload: payload}
}

func contentText(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			return textContent.Text
		}
	}
	return ""
}

func (s *mcpSession) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// stdioSession spawns the provider as a child process and speaks MCP over
// its standard streams.
type stdioSession struct {
	mcpSession
	cfg models.ProviderConfig
}

func (s *stdioSession) Connect(ctx context.Context) error {
	var envSlice []string
	for key, value := range s.cfg.Env {
		envSlice = append(envSlice, fmt.Sprintf("%s=%s", key, value))
	}

	return s.start(ctx, transport.NewStdio(s.cfg.Command, envSlice, s.cfg.Args...))
}

// sseSession holds a persistent server-sent-events stream.
type sseSession struct {
	mcpSession
	cfg models.ProviderConfig
}

func (s *sseSession) Connect(ctx context.Context) error {
	var options []transport.ClientOption
	if len(s.cfg.Headers) > 0 {
		options = append(options, transport.WithHeaders(s.cfg.Headers))
	}

	tr, err := transport.NewSSE(s.cfg.URL, options...)
	if err != nil {
		return &types.ConnectionError{Provider: s.provider, Err: err}
	}
	return s.start(ctx, tr)
}

// streamableHTTPSession speaks MCP over a streaming HTTP session.
type streamableHTTPSession struct {
	mcpSession
	cfg models.ProviderConfig
}

func (s *streamableHTTPSession) Connect(ctx context.Context) error {
	var options []transport.StreamableHTTPCOption
	if len(s.cfg.Headers) > 0 {
		options = append(options, transport.WithHTTPHeaders(s.cfg.Headers))
	}

	tr, err := transport.NewStreamableHTTP(s.cfg.URL, options...)
	if err != nil {
		return &types.ConnectionError{Provider: s.provider, Err: err}
	}
	return s.start(ctx, tr)
}
