package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docrag/internal/search"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Searcher Searcher
	Version  string
}

type mcpDocument struct {
	FileID     string `json:"file_id"`
	Filename   string `json:"filename"`
	Length     int64  `json:"length"`
	UploadDate string `json:"upload_date"`
}

// NewMCPServer creates an MCP server with the docrag tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"docrag",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docrag searches uploaded documents and past answers, and generates new answers with a local model."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Search past answers and uploaded documents for a query. Returns matching records and document snippets as JSON."),
			mcp.WithString("query", mcp.Description("Text to look for"), mcp.Required()),
			mcp.WithString("filename", mcp.Description("Only scan documents with this filename")),
			mcp.WithBoolean("include_sentiment", mcp.Description("Score each snippet's sentiment")),
			mcp.WithNumber("context_length", mcp.Description("Characters kept after each match (default 100)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("generate",
			mcp.WithDescription("Answer a question with the local language model. Answers are stored and become searchable."),
			mcp.WithString("query", mcp.Description("Question to answer"), mcp.Required()),
		),
		mcpGenerate(deps),
	)

	s.AddTool(
		mcp.NewTool("read_document",
			mcp.WithDescription("Return the text content of an uploaded document."),
			mcp.WithString("file_id", mcp.Description("Document id as returned by upload or list"), mcp.Required()),
		),
		mcpReadDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List uploaded documents in upload order."),
		),
		mcpListDocuments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docs://documents",
			"Uploaded Documents",
			mcp.WithResourceDescription("All uploaded documents with ids, names and sizes"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		opts := search.Options{
			Filename:         req.GetString("filename", ""),
			IncludeSentiment: req.GetBool("include_sentiment", false),
		}
		if n := req.GetInt("context_length", -1); n >= 0 {
			opts.ContextLength = &n
		}

		res, err := deps.Searcher.Search(ctx, query, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGenerate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		resp, err := deps.Searcher.Generate(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}
		return mcpText(resp), nil
	}
}

func mcpReadDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("file_id")
		if err != nil {
			return mcpError("file_id is required"), nil
		}

		doc, err := deps.Searcher.Read(ctx, id)
		if err != nil {
			switch search.KindOf(err) {
			case search.KindValidation:
				return mcpError(fmt.Sprintf("invalid file id %q", id)), nil
			case search.KindNotFound:
				return mcpError(fmt.Sprintf("document %s not found", id)), nil
			}
			return mcpError(fmt.Sprintf("read failed: %v", err)), nil
		}
		return mcpText(doc.Content), nil
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := documentsJSON(ctx, deps)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := documentsJSON(ctx, deps)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func documentsJSON(ctx context.Context, deps MCPDeps) ([]byte, error) {
	docs, err := deps.Searcher.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	out := make([]mcpDocument, len(docs))
	for i, d := range docs {
		out[i] = mcpDocument{
			FileID:     d.ID,
			Filename:   d.Filename,
			Length:     d.Length,
			UploadDate: d.UploadDate.UTC().Format(time.RFC3339),
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal documents: %w", err)
	}
	return b, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
