package mcp

import "context"

// ReverseRequestHandler answers one server-to-client JSON-RPC request
// (sampling/createMessage, elicitation/create, roots/list) received on an
// already-open upstream connection. It blocks until a reply is available
// (typically relayed through a browser session) or the provider-specific
// timeout elapses, and returns the JSON-RPC response to send back upstream.
type ReverseRequestHandler func(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse

// MCPClient defines the interface for communicating with an MCP server.
// Both the HTTP *Client and the STDIO Process implement this interface.
type MCPClient interface {
	Initialize(ctx context.Context, params *InitializeParams) (*InitializeResult, error)
	ListTools(ctx context.Context, cursor *string) (*ToolsListResult, error)
	CallTool(ctx context.Context, params *ToolCallParams) (*ToolCallResult, error)
	ListResources(ctx context.Context, cursor *string) (*ResourcesListResult, error)
	ReadResource(ctx context.Context, uri string) (*ResourceReadResult, error)
	ListPrompts(ctx context.Context, cursor *string) (*PromptsListResult, error)
	GetPrompt(ctx context.Context, params *PromptGetParams) (*PromptGetResult, error)
	SendRawRequest(ctx context.Context, req *JSONRPCRequest) (*JSONRPCResponse, error)
	// SetReverseRequestHandler registers the callback invoked whenever this
	// upstream connection delivers a server-initiated request instead of a
	// response. Must be safe to call before or after Initialize.
	SetReverseRequestHandler(h ReverseRequestHandler)
	IsInitialized() bool
	GetCapabilities() *ServerCapabilities
	GetServerInfo() *ServerInfo
	Close() error
}
