package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/server"
	"github.com/keygate/keygate/internal/service"
)

const banner = `
 _  __ _____   _____  _  _____ _____
| |/ /| ____\ \ / / _|/ \|_   _| ____|
| ' / |  _|  \ V / | _/ _ \ | | |  _|
|_|\_\|_____| |_| |_/_/ \_\|_| |_____|
`

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Keygate API server",
		Long:  "Start the HTTP server that validates keys, admits requests against their limits, and manages keys.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(cmd *cobra.Command, dev bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.ErrOrStderr(), banner)
	fmt.Fprintln(cmd.ErrOrStderr())

	logger := config.NewLogger(cfg.Log, os.Stderr, dev)

	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("credential store ready", "driver", st.Driver())

	keys := newKeyService(st, cfg, logger)
	if !keys.SuperKeyEnabled() {
		logger.Warn("no super key configured; bootstrap the first admin key with 'keygate key create --role superadmin'")
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret, err = service.RandomSigningSecret()
		if err != nil {
			return err
		}
		logger.Warn("auth.jwt_secret not set; using a per-process signing secret, sessions will not survive a restart")
	}
	sessions := service.NewSessionService(keys, secret, cfg.Auth.SessionTTLDuration())

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeoutDuration(),
		CORSOrigins:     cfg.Server.CORS.Origins,
		IPRateLimit:     cfg.Server.IPRateLimit,
		TrustProxy:      cfg.Server.TrustProxy,
		APIKeyHeader:    cfg.Auth.APIKeyHeader,
		Version:         versionString(),
	}, keys, sessions, logger)

	logger.Info("keygate listening",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"openapi", fmt.Sprintf("http://localhost:%d/openapi.json", cfg.Server.Port),
	)
	return srv.ListenAndServe(cmd.Context())
}
