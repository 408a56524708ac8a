package app

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stacklok/signond/pkg/accesscontrol"
	"github.com/stacklok/signond/pkg/accesscontrol/cedarpolicy"
	"github.com/stacklok/signond/pkg/authsession"
	"github.com/stacklok/signond/pkg/config"
	"github.com/stacklok/signond/pkg/daemon"
	"github.com/stacklok/signond/pkg/identity"
	"github.com/stacklok/signond/pkg/ipc"
	"github.com/stacklok/signond/pkg/logger"
	"github.com/stacklok/signond/pkg/store"
)

const (
	metadataDBName = "signon.db"
	secretsDBName  = "signon-secrets.db"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the signond daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LoggingLevel, cfg.LoggingOutput); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, filepath.Join(cfg.StoragePath, metadataDBName))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.OpenSecretsTier(ctx, filepath.Join(cfg.StoragePath, secretsDBName)); err != nil {
		logger.Log.Warnf("secrets tier unavailable at startup: %v", err)
	}

	policy, err := cedarpolicy.New("")
	if err != nil {
		return err
	}
	gate := accesscontrol.NewGate(policy)

	// The UI prompt service is a consumed external collaborator (spec.md
	// §1: "schema only"); wiring an actual pkg/uiclient.Client here is
	// deployment-specific and left to an operator that dials the UI
	// service's socket and passes the result to these managers.
	identities := identity.NewManager(st, gate, nil, cfg.IdentityTimeout, nil)
	sessions := authsession.NewManager(cfg.PluginsDir, st, gate, nil, cfg.AuthSessionTimeout, nil)

	d := daemon.New(cfg, st, gate, identities, sessions)
	go d.Run(ctx)

	socketPath := cfg.SocketPath
	logger.Log.Infof("signond starting, socket=%s storage=%s plugins=%s", socketPath, cfg.StoragePath, cfg.PluginsDir)

	return ipc.Serve(ctx, socketPath, d.Call)
}
