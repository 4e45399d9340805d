package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keygate/keygate/internal/config"
	kmcp "github.com/keygate/keygate/internal/mcp"
	"github.com/keygate/keygate/internal/model"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes key validation,
quota inspection, and key administration as tools for AI agents.

In stdio mode the server speaks JSON-RPC over stdin/stdout, suitable for
direct integration with desktop MCP clients. In http mode it serves the
streamable HTTP transport on --addr.

Tool calls act with the authority of --role; the operator is trusted.`,
		Example: `  keygate mcp                                  # stdio mode
  keygate mcp --transport http --addr :8090    # streamable HTTP
  keygate mcp --role user                      # read-only validation tools`,
		RunE: runMCP,
	}

	cmd.Flags().String("transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().String("addr", ":8090", "Listen address (only used with --transport http)")
	cmd.Flags().String("role", "admin", "Role tool calls act with: user, admin or superadmin")
	viper.BindPFlag("mcp.transport", cmd.Flags().Lookup("transport"))
	viper.BindPFlag("mcp.addr", cmd.Flags().Lookup("addr"))
	viper.BindPFlag("mcp.role", cmd.Flags().Lookup("role"))

	return cmd
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	role, ok := model.ParseRole(cfg.MCP.Role)
	if !ok {
		return fmt.Errorf("invalid --role %q (want user, admin or superadmin)", cfg.MCP.Role)
	}

	// stdout belongs to the JSON-RPC stream in stdio mode.
	logger := config.NewLogger(cfg.Log, os.Stderr, false)

	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := kmcp.NewMCPServer(newKeyService(st, cfg, logger), role, versionString(), logger)

	switch cfg.MCP.Transport {
	case "stdio":
		return srv.ServeStdio()
	case "http":
		logger.Info("starting MCP HTTP server", "addr", cfg.MCP.Addr, "role", role)
		return srv.ServeHTTP(cfg.MCP.Addr)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", cfg.MCP.Transport)
	}
}
