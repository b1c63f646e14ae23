package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rmarchev/askdoc/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Retriever Retriever
}

// NewMCPServer creates an MCP server exposing the document store to tool
// clients: semantic search plus document inspection.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"askdoc",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("askdoc — question answering over a private document collection."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search an owner's document collection and return the most relevant text chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("owner", mcp.Description("Owner whose documents to search"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of chunks (default 5)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("get_document",
			mcp.WithDescription("Fetch a document's status and its chunk texts."),
			mcp.WithString("id", mcp.Description("Document ID"), mcp.Required()),
		),
		mcpGetDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List an owner's documents with their processing status."),
			mcp.WithString("owner", mcp.Description("Owner whose documents to list"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of documents (default 20)")),
		),
		mcpListDocuments(deps),
	)

	return s
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		owner, err := req.RequireString("owner")
		if err != nil {
			return mcpError("owner is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		result, err := deps.Retriever.Retrieve(ctx, query, owner, limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if result.Empty() {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			ChunkID    string  `json:"chunk_id"`
			DocumentID string  `json:"document_id"`
			Ordinal    int     `json:"ordinal"`
			Text       string  `json:"text"`
			Score      float32 `json:"score"`
		}

		results := make([]chunkResult, len(result.Chunks))
		for i, c := range result.Chunks {
			results[i] = chunkResult{
				ChunkID:    c.ChunkID,
				DocumentID: c.DocumentID,
				Ordinal:    c.Ordinal,
				Text:       c.Text,
				Score:      c.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("document not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load document: %v", err)), nil
		}

		chunks, err := deps.Store.ListChunks(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load chunks: %v", err)), nil
		}

		type chunkView struct {
			Ordinal int    `json:"ordinal"`
			Text    string `json:"text"`
		}
		view := struct {
			DocumentResponse
			Chunks []chunkView `json:"chunks"`
		}{DocumentResponse: toDocumentResponse(doc)}
		for _, c := range chunks {
			text := c.Text
			if utf8.RuneCountInString(text) > 500 {
				runes := []rune(text)
				text = string(runes[:500]) + "..."
			}
			view.Chunks = append(view.Chunks, chunkView{Ordinal: c.Ordinal, Text: text})
		}

		b, err := json.Marshal(view)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal document: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner")
		if err != nil {
			return mcpError("owner is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		docs, err := deps.Store.ListDocuments(owner, limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list documents: %v", err)), nil
		}

		responses := make([]DocumentResponse, len(docs))
		for i, d := range docs {
			responses[i] = toDocumentResponse(d)
		}
		b, err := json.Marshal(responses)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal documents: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
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
