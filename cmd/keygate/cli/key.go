package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

// keyCommand runs fn against a key service opened from the effective
// configuration. The store is closed when fn returns.
func keyCommand(cmd *cobra.Command, fn func(keys *service.KeyService) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(newKeyService(st, cfg, quietLogger(cfg)))
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid key id %q", arg)
	}
	return id, nil
}

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"keys", "apikey"},
		Short:   "Manage API keys",
		Long: `Create, inspect, and revoke API keys directly against the credential store.

These commands bypass HTTP authentication: whoever can open the store is
trusted with full authority.`,
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyShowCmd())
	cmd.AddCommand(newKeyUpdateCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyDeleteCmd())
	cmd.AddCommand(newKeyValidateCmd())
	cmd.AddCommand(newKeyUsageCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		req        service.IssueRequest
		role       string
		org        string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key bound to a role. The raw key is shown once and cannot be retrieved again.",
		Example: `  keygate key create --name "CI pipeline" --owner ci@example.com
  keygate key create --name ops --owner ops@example.com --role admin --quota 5000 --rate 300`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, ok := model.ParseRole(role)
			if !ok {
				return fmt.Errorf("invalid --role %q (want user, admin or superadmin)", role)
			}
			req.Role = r
			if org != "" {
				req.Organization = &org
			}

			return keyCommand(cmd, func(keys *service.KeyService) error {
				secret, cred, err := keys.Issue(cmd.Context(), req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, struct {
						Key string `json:"api_key"`
						*model.Credential
					}{secret, cred})
				}

				fmt.Fprintln(out, "API key created:")
				fmt.Fprintln(out)
				fmt.Fprintf(out, "  Key:    %s\n", secret)
				fmt.Fprintf(out, "  ID:     %d\n", cred.ID)
				fmt.Fprintf(out, "  Role:   %s\n", cred.Role)
				fmt.Fprintf(out, "  Limits: %d/day, %d/min\n", cred.DailyQuota, cred.RateLimitPerMinute)
				fmt.Fprintln(out)
				fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringVar(&req.Owner, "owner", "", "Owner email address (required)")
	cmd.Flags().StringVar(&org, "org", "", "Organization")
	cmd.Flags().StringVar(&role, "role", "user", "Role: user, admin or superadmin")
	cmd.Flags().IntVar(&req.DailyQuota, "quota", 0, "Daily quota (default from keys.default_daily_quota)")
	cmd.Flags().IntVar(&req.RateLimitPerMinute, "rate", 0, "Requests per minute (default from keys.default_rate_limit)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("owner")

	return cmd
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		owner      string
		status     string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return keyCommand(cmd, func(keys *service.KeyService) error {
				creds, err := keys.List(cmd.Context(), service.ListFilter{
					Owner:  owner,
					Status: model.Status(status),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, creds)
				}
				if len(creds) == 0 {
					fmt.Fprintln(out, "No API keys found. Use 'keygate key create' to create one.")
					return nil
				}

				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPREFIX\tNAME\tOWNER\tROLE\tSTATUS\tUSED TODAY")
				for _, c := range creds {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d/%d\n",
						c.ID, c.DisplayPrefix, c.Name, c.Owner, c.Role, c.Status, c.CurrentDailyUsage, c.DailyQuota)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only keys owned by this email")
	cmd.Flags().StringVar(&status, "status", "", "Only keys in this status: active or revoked")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of keys")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- key show ----------

func newKeyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return keyCommand(cmd, func(keys *service.KeyService) error {
				cred, err := keys.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), cred)
			})
		},
	}
}

// ---------- key update ----------

func newKeyUpdateCmd() *cobra.Command {
	var (
		name  string
		org   string
		quota int
		rate  int
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a key's name, organization or limits",
		Example: `  keygate key update 7 --quota 10000
  keygate key update 7 --name "nightly export" --rate 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			var req service.UpdateRequest
			flags := cmd.Flags()
			if flags.Changed("name") {
				req.Name = &name
			}
			if flags.Changed("org") {
				req.Organization = &org
			}
			if flags.Changed("quota") {
				req.DailyQuota = &quota
			}
			if flags.Changed("rate") {
				req.RateLimitPerMinute = &rate
			}

			return keyCommand(cmd, func(keys *service.KeyService) error {
				cred, err := keys.Update(cmd.Context(), id, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), cred)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVar(&org, "org", "", "New organization")
	cmd.Flags().IntVar(&quota, "quota", 0, "New daily quota")
	cmd.Flags().IntVar(&rate, "rate", 0, "New requests per minute")

	return cmd
}

// ---------- key revoke / delete ----------

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Long:  "Revoke an API key. Revocation is immediate and cannot be undone; usage history is kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return keyCommand(cmd, func(keys *service.KeyService) error {
				revoked, err := keys.Revoke(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !revoked {
					return fmt.Errorf("key %d not found or already revoked", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %d\n", id)
				return nil
			})
		},
	}
}

func newKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key and its usage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return keyCommand(cmd, func(keys *service.KeyService) error {
				deleted, err := keys.Delete(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("key %d not found", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted key %d\n", id)
				return nil
			})
		},
	}
}

// ---------- key validate ----------

func newKeyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [key]",
		Short: "Check whether a key is valid",
		Long: `Check whether a key is valid and show its remaining quota without consuming it.
With no argument the key is read from stdin; on a terminal it is not echoed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				s, err := readSecret(cmd)
				if err != nil {
					return err
				}
				secret = s
			}

			return keyCommand(cmd, func(keys *service.KeyService) error {
				v, err := keys.Validate(cmd.Context(), secret)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !v.Valid {
					fmt.Fprintf(out, "invalid: %s\n", v.Reason)
					return errors.New("key is not valid")
				}

				res, err := keys.Inspect(cmd.Context(), v.Credential.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "valid: key %d (%s), role %s\n", v.Credential.ID, v.Credential.Name, v.Role)
				if v.Credential.IsSuper() {
					fmt.Fprintln(out, "  limits: unlimited")
					return nil
				}
				fmt.Fprintf(out, "  quota remaining today: %d\n", res.QuotaRemaining)
				fmt.Fprintf(out, "  rate remaining this minute: %d\n", res.RateRemaining)
				if !res.Allowed {
					fmt.Fprintf(out, "  next request would be rejected: %s\n", res.Reason)
				}
				return nil
			})
		},
	}
}

// readSecret reads a key from stdin without echo when stdin is a terminal.
func readSecret(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// ---------- key usage ----------

func newKeyUsageCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "usage <id>",
		Short: "Show recent usage of an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return keyCommand(cmd, func(keys *service.KeyService) error {
				sum, err := keys.Usage(cmd.Context(), id, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, sum)
				}

				fmt.Fprintf(out, "Key %d (%s): %d events, %d succeeded, %d failed, %d pending, %.1f%% success\n",
					sum.Credential.ID, sum.Credential.Name, sum.Total, sum.Succeeded, sum.Failed, sum.Pending, sum.SuccessRate*100)
				if len(sum.Events) == 0 {
					return nil
				}
				fmt.Fprintln(out)
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tOUTCOME\tSERVICE\tLATENCY")
				for _, e := range sum.Events {
					latency := "-"
					if e.LatencyMs != nil {
						latency = fmt.Sprintf("%dms", *e.LatencyMs)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.OccurredAt.Format("2006-01-02 15:04:05"), e.Outcome, e.Service, latency)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent events to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
