package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

// registerTools registers all keygate MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Gate tools -----

	srv.AddTool(
		mcp.NewTool("keygate_validate_key",
			mcp.WithDescription(
				"Check whether an API key is valid and report its owner, role and "+
					"remaining daily quota and per-minute rate. Never consumes quota.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("api_key",
				mcp.Required(),
				mcp.Description("The plaintext API key to check"),
			),
		),
		s.handleValidateKey,
	)

	srv.AddTool(
		mcp.NewTool("keygate_check_quota",
			mcp.WithDescription(
				"Report what an admission request for the key would decide right now, "+
					"with the remaining quota and rate, without consuming anything.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("id",
				mcp.Required(),
				mcp.Description("Numeric ID of the API key"),
			),
		),
		s.handleCheckQuota,
	)

	// ----- Administration tools -----

	srv.AddTool(
		mcp.NewTool("keygate_list_keys",
			mcp.WithDescription(
				"List API keys newest first. Secrets are never returned; each key "+
					"shows its display prefix, owner, role, status and limits.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("owner",
				mcp.Description("Only keys owned by this email address"),
			),
			mcp.WithString("status",
				mcp.Description("Only keys in this status"),
				mcp.Enum("active", "revoked"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of keys to return (default 50, max 500)"),
			),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("keygate_get_key",
			mcp.WithDescription("Get one API key by ID."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("id",
				mcp.Required(),
				mcp.Description("Numeric ID of the API key"),
			),
		),
		s.handleGetKey,
	)

	srv.AddTool(
		mcp.NewTool("keygate_create_key",
			mcp.WithDescription(
				"Issue a new API key. The plaintext key appears only in this result "+
					"and cannot be recovered later. Admins may only issue user keys.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Human-readable name for the key"),
			),
			mcp.WithString("owner",
				mcp.Required(),
				mcp.Description("Email address of the key owner"),
			),
			mcp.WithString("organization",
				mcp.Description("Optional organization of the owner"),
			),
			mcp.WithString("role",
				mcp.Description("Role bound to the key (default user)"),
				mcp.Enum("user", "admin", "superadmin"),
			),
			mcp.WithNumber("daily_quota",
				mcp.Description("Operations allowed per UTC day (default from configuration)"),
			),
			mcp.WithNumber("rate_limit_per_minute",
				mcp.Description("Operations allowed per rolling minute (default from configuration)"),
			),
		),
		s.handleCreateKey,
	)

	srv.AddTool(
		mcp.NewTool("keygate_revoke_key",
			mcp.WithDescription(
				"Permanently revoke an API key. The key stops working immediately, "+
					"including sessions opened with it. This cannot be undone.",
			),
			mcp.WithToolAnnotation(destructiveAnnotation()),
			mcp.WithNumber("id",
				mcp.Required(),
				mcp.Description("Numeric ID of the API key to revoke"),
			),
		),
		s.handleRevokeKey,
	)
}

// =========================================================================
// Tool handlers
// =========================================================================

// requireRole reports a tool error unless the operator role satisfies
// required.
func (s *MCPServer) requireRole(required model.Role) (*mcp.CallToolResult, bool) {
	if model.Authorize(s.role, required) {
		return nil, true
	}
	res, _ := toolError("Operator role %q may not perform this action (requires %s)", s.role, required)
	return res, false
}

type validateResult struct {
	Valid          bool              `json:"valid"`
	Reason         service.Reason    `json:"reason,omitempty"`
	Credential     *model.Credential `json:"credential,omitempty"`
	QuotaRemaining int               `json:"quota_remaining,omitempty"`
	RateRemaining  int               `json:"rate_remaining,omitempty"`
}

func (s *MCPServer) handleValidateKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	secret, err := requireString(request, "api_key")
	if err != nil {
		return toolError("%v", err)
	}

	v, err := s.keys.Validate(ctx, secret)
	if err != nil {
		return serviceError("Validation failed", err)
	}
	if !v.Valid {
		return successJSON(validateResult{Reason: v.Reason})
	}

	res, err := s.keys.Inspect(ctx, v.Credential.ID)
	if errors.Is(err, service.ErrNotFound) {
		return successJSON(validateResult{Reason: service.ReasonNotFound})
	}
	if err != nil {
		return serviceError("Validation failed", err)
	}
	return successJSON(validateResult{
		Valid:          true,
		Credential:     v.Credential,
		QuotaRemaining: res.QuotaRemaining,
		RateRemaining:  res.RateRemaining,
	})
}

func (s *MCPServer) handleCheckQuota(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	if res, ok := s.requireRole(model.RoleAdmin); !ok {
		return res, nil
	}
	id, err := requireID(request, "id")
	if err != nil {
		return toolError("%v", err)
	}

	res, err := s.keys.Inspect(ctx, id)
	if err != nil {
		return serviceError("Quota check failed", err)
	}
	return successJSON(res)
}

func (s *MCPServer) handleListKeys(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	if res, ok := s.requireRole(model.RoleAdmin); !ok {
		return res, nil
	}

	creds, err := s.keys.List(ctx, service.ListFilter{
		Owner:  optionalString(request, "owner"),
		Status: model.Status(optionalString(request, "status")),
		Limit:  clamp(optionalInt(request, "limit", 50), 1, 500),
	})
	if err != nil {
		return serviceError("Failed to list keys", err)
	}
	if creds == nil {
		creds = []model.Credential{}
	}
	return successJSON(map[string]interface{}{
		"keys":  creds,
		"count": len(creds),
	})
}

func (s *MCPServer) handleGetKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	if res, ok := s.requireRole(model.RoleAdmin); !ok {
		return res, nil
	}
	id, err := requireID(request, "id")
	if err != nil {
		return toolError("%v", err)
	}

	cred, err := s.keys.Get(ctx, id)
	if err != nil {
		return serviceError("Failed to get key", err)
	}
	return successJSON(cred)
}

func (s *MCPServer) handleCreateKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	name, err := requireString(request, "name")
	if err != nil {
		return toolError("%v", err)
	}
	owner, err := requireString(request, "owner")
	if err != nil {
		return toolError("%v", err)
	}

	role := model.Role(optionalString(request, "role"))
	if role == "" {
		role = model.RoleUser
	}
	if !model.CanCreate(s.role, role) {
		return toolError("Operator role %q may not create %q keys", s.role, role)
	}

	req := service.IssueRequest{
		Name:               name,
		Owner:              owner,
		Role:               role,
		DailyQuota:         optionalInt(request, "daily_quota", 0),
		RateLimitPerMinute: optionalInt(request, "rate_limit_per_minute", 0),
	}
	if org := optionalString(request, "organization"); org != "" {
		req.Organization = &org
	}

	secret, cred, err := s.keys.Issue(ctx, req)
	if err != nil {
		return serviceError("Failed to create key", err)
	}
	s.logger.Info("key issued over MCP", "id", cred.ID, "role", cred.Role)
	return successJSON(map[string]interface{}{
		"api_key": secret,
		"key":     cred,
		"note":    "Store api_key now; it cannot be shown again.",
	})
}

func (s *MCPServer) handleRevokeKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	id, err := requireID(request, "id")
	if err != nil {
		return toolError("%v", err)
	}

	cred, err := s.keys.Get(ctx, id)
	if err != nil {
		return serviceError("Failed to revoke key", err)
	}
	if cred.IsSuper() {
		return toolError("The super-credential is configured, not stored, and cannot be revoked")
	}
	if !model.CanCreate(s.role, cred.Role) {
		return toolError("Operator role %q may not manage %q keys", s.role, cred.Role)
	}

	revoked, err := s.keys.Revoke(ctx, id)
	if err != nil {
		return serviceError("Failed to revoke key", err)
	}
	if !revoked {
		return toolError("API key %d is already revoked", id)
	}
	return successJSON(map[string]interface{}{
		"success": true,
		"id":      id,
	})
}
