package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/chanisolator/internal/audit"
	"github.com/ppiankov/chanisolator/internal/lnd"
	"github.com/ppiankov/chanisolator/internal/policy"
)

var runLogLevel string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the HTLC interceptor service",
	Long: "Connects to lnd, registers as an HTLC interceptor, and enforces the\n" +
		"isolation policy until terminated. Reconnects automatically on failure.\n" +
		"Policy edits made by the management commands are picked up within one\n" +
		"polling interval without a restart.",
	RunE: runService,
}

func runService(cmd *cobra.Command, args []string) error {
	level := cfg.LogLevel
	if runLogLevel != "" {
		level = runLogLevel
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(parsed)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	policies := policy.NewCache(st)
	policies.Reload()

	var auditLog *audit.Log
	if cfg.AuditLogPath != "" {
		auditLog, err = audit.Open(cfg.AuditLogPath)
		if err != nil {
			return err
		}
		defer auditLog.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	// The marker poll is the correctness path; the file watcher just reacts
	// faster when the CLI edits the store between forwards.
	if watcher, werr := policy.NewWatcher(policies, cfg.DBPath); werr != nil {
		log.Warnf("store watcher disabled, falling back to polling only: %v", werr)
	} else {
		go watcher.Run(ctx)
	}

	mgr := lnd.NewManager(lnd.Config{
		RPCAddress:   cfg.RPCAddress,
		TLSCertPath:  cfg.TLSCert(),
		MacaroonPath: cfg.Macaroon(),
		StreamRetry:  cfg.StreamRetry(),
		ConnectRetry: cfg.ConnectRetry(),
	}, policies, st, auditLog)

	log.Infof("chanisolator running, database %s", cfg.DBPath)
	return mgr.Run(ctx)
}
