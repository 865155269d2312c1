package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/gridsync/internal/access"
	"github.com/agentworkforce/gridsync/internal/config"
	"github.com/agentworkforce/gridsync/internal/syncclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// globals holds the resolved client configuration shared by subcommands.
type globals struct {
	cfg    config.Client
	logger *logrus.Logger
	policy access.Source

	baseURL  string
	token    string
	userID   int64
	role     string
	logLevel string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "gridsync",
		Short:         "Client for the gridsync period ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.resolve(cmd)
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&g.baseURL, "base-url", "", "backend base URL (GRIDSYNC_BASE_URL)")
	flags.StringVar(&g.token, "token", "", "bearer token (GRIDSYNC_TOKEN)")
	flags.Int64Var(&g.userID, "user-id", 0, "user id announced on the socket (GRIDSYNC_USER_ID)")
	flags.StringVar(&g.role, "role", "", "role used for lock checks (GRIDSYNC_ROLE)")
	flags.StringVar(&g.logLevel, "log-level", "", "silent, error, warn, info or debug (GRIDSYNC_LOG_LEVEL)")

	cmd.AddCommand(newWatchCmd(g))
	cmd.AddCommand(newExportCmd(g))
	cmd.AddCommand(newPasteCmd(g))
	cmd.AddCommand(newDeleteCmd(g))
	cmd.AddCommand(newTokenCmd())
	return cmd
}

func (g *globals) resolve(cmd *cobra.Command) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = g.baseURL
	}
	if flags.Changed("token") {
		cfg.Token = g.token
	}
	if flags.Changed("user-id") {
		cfg.UserID = g.userID
	}
	if flags.Changed("role") {
		cfg.Role = g.role
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	g.cfg = cfg
	g.logger = config.NewLogger(cfg.LogLevel)
	if cfg.LogLevel != "silent" {
		g.logger.SetOutput(cmd.ErrOrStderr())
	}
	g.policy = access.StaticSource{Policy: access.DefaultPolicy()}
	if cfg.PolicyFile != "" {
		policy, err := access.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return err
		}
		g.policy = access.StaticSource{Policy: policy}
	}
	return nil
}

func (g *globals) elevated() bool {
	return g.policy.Current().Elevated(g.cfg.Role)
}

// sessionOptions builds session options from the resolved configuration.
// The socket is only opened when withSocket is set.
func (g *globals) sessionOptions(withSocket bool) syncclient.SessionOptions {
	opts := syncclient.SessionOptions{
		BaseURL:       g.cfg.BaseURL,
		Token:         g.cfg.Token,
		UserID:        g.cfg.UserID,
		Role:          g.cfg.Role,
		Table:         g.cfg.Table,
		FallbackList:  g.cfg.FallbackList,
		DeletePayload: syncclient.DeletePayload(g.cfg.DeletePayload),
		Debounce:      g.cfg.Debounce,
		MaxBatch:      g.cfg.MaxBatch,
		Policy:        g.policy,
		HTTPClient:    &http.Client{Timeout: g.cfg.HTTPTimeout},
		Logger:        g.logger,
	}
	if withSocket {
		opts.SocketURL = g.cfg.SocketEndpoint()
	}
	return opts
}

func (g *globals) httpClient() *syncclient.HTTPClient {
	return syncclient.NewHTTPClient(syncclient.HTTPClientOptions{
		BaseURL:       g.cfg.BaseURL,
		Token:         g.cfg.Token,
		HTTPClient:    &http.Client{Timeout: g.cfg.HTTPTimeout},
		DeletePayload: syncclient.DeletePayload(g.cfg.DeletePayload),
	})
}
