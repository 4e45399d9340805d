package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

const usageURIPrefix = "keygate://keys/"

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// keygate://keys lists active keys.
	srv.AddResource(
		mcp.NewResource(
			"keygate://keys",
			"Active API Keys",
			mcp.WithResourceDescription("All active API keys with their owners, roles and limits."),
			mcp.WithMIMEType("application/json"),
		),
		s.handleKeysResource,
	)

	// keygate://keys/{id}/usage is the usage summary of one key.
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"keygate://keys/{id}/usage",
			"API Key Usage",
			mcp.WithTemplateDescription("Usage counts, success rate and recent events for one API key."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleUsageResource,
	)
}

func (s *MCPServer) handleKeysResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	if !model.Authorize(s.role, model.RoleAdmin) {
		return nil, fmt.Errorf("operator role %q may not list keys", s.role)
	}
	creds, err := s.keys.List(ctx, service.ListFilter{Status: model.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return jsonContents(request.Params.URI, creds)
}

func (s *MCPServer) handleUsageResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	if !model.Authorize(s.role, model.RoleAdmin) {
		return nil, fmt.Errorf("operator role %q may not read usage", s.role)
	}

	// keygate://keys/{id}/usage
	uri := request.Params.URI
	raw := strings.TrimSuffix(strings.TrimPrefix(uri, usageURIPrefix), "/usage")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || !strings.HasPrefix(uri, usageURIPrefix) {
		return nil, fmt.Errorf("invalid usage URI %q: expected keygate://keys/{id}/usage", uri)
	}

	sum, err := s.keys.Usage(ctx, id, 50)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage for key %d: %w", id, err)
	}
	if !model.CanCreate(s.role, sum.Credential.Role) {
		return nil, fmt.Errorf("operator role %q may not read usage of %s keys", s.role, sum.Credential.Role)
	}
	return jsonContents(uri, sum)
}

func jsonContents(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
