package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thiago95macedo/webhost/internal/changes"
	"github.com/thiago95macedo/webhost/internal/config"
	"github.com/thiago95macedo/webhost/internal/deploy"
	"github.com/thiago95macedo/webhost/internal/deploylog"
	"github.com/thiago95macedo/webhost/internal/git"
	"github.com/thiago95macedo/webhost/internal/pathfilter"
	"github.com/thiago95macedo/webhost/internal/prompt"
	"github.com/thiago95macedo/webhost/internal/registry"
	"github.com/thiago95macedo/webhost/internal/shell"
	"github.com/thiago95macedo/webhost/internal/transport"
	"github.com/thiago95macedo/webhost/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile  string
	logLevel string

	// Deploy flags
	clientKey           string
	assumeYes           bool
	dryRun              bool
	failOnTransferError bool

	// Seams for tests
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	isTTY            = func() bool { return prompt.IsInteractive(os.Stdin) }
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sitedeploy",
	Short: "Incremental FTP/SFTP deployments of a Git working tree",
	Long: `sitedeploy uploads the files that changed since a client's last successful
deploy to that client's hosting account over FTP or SFTP, and records the
deployed commit in the client registry once every upload succeeded.

Clients are kept in a JSON registry managed with "sitedeploy clients".`,
	SilenceUsage: true,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy the working tree to one client",
	Long: `Deploy asks for a client (or takes --client), lists the files changed since
that client's last deploy, asks for confirmation and uploads them.

A client without a recorded deploy receives every tracked file. Files removed
from the repository are reported but never deleted remotely.`,
	Args: cobra.NoArgs,
	RunE: runDeploy,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Deploy configured clients on GitHub push webhooks",
	Long: `Serve keeps repo.dir checked out at repo.ref and listens for signed GitHub
webhook deliveries. Each accepted push updates the checkout and deploys every
client listed in serve.clients without prompting.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "sitedeploy %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultPath+" if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides logging.level")

	deployCmd.Flags().StringVar(&clientKey, "client", "", "deploy this client key instead of showing the menu")
	deployCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	deployCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the files that would be uploaded and stop")
	deployCmd.Flags().BoolVar(&failOnTransferError, "fail-on-transfer-error", false, "exit non-zero when any upload failed")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(clientsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, handler, err := bootstrap()
	if err != nil {
		return err
	}

	store := registry.NewStore(cfg.Registry.Path)
	reg, err := store.Load()
	if err != nil {
		logger.Error("failed to load client registry", "path", store.Path(), "error", err)
		return err
	}

	terminal := prompt.NewTerminal(stdin, stdout)
	target, err := selectTarget(reg, terminal)
	if errors.Is(err, prompt.ErrAborted) {
		logger.Info("exiting")
		return nil
	}
	if err != nil {
		logger.Error("no client selected", "error", err)
		return err
	}

	var asker prompt.Asker = terminal
	if assumeYes {
		asker = prompt.AutoConfirm{}
	}

	runner := shell.NewExecRunner()
	session, err := newSession(cfg, runner, store, asker, logger, deploy.Options{
		RepoDir: cfg.Repo.Dir,
		DryRun:  dryRun,
		LogPath: handler.Path(),
	})
	if err != nil {
		return err
	}

	res, err := session.Run(ctx, target)
	if errors.Is(err, prompt.ErrAborted) {
		return nil
	}
	if err != nil {
		return err
	}

	if failOnTransferError && res.Failed() > 0 {
		return fmt.Errorf("%d of %d uploads failed", res.Failed(), len(res.Outcomes))
	}
	return nil
}

// selectTarget resolves --client or shows the interactive menu
func selectTarget(reg *registry.Registry, terminal *prompt.Terminal) (registry.Target, error) {
	if clientKey != "" {
		return reg.GetActive(clientKey)
	}
	if !isTTY() {
		return registry.Target{}, fmt.Errorf("stdin is not a terminal; pass --client to choose a client")
	}

	target, err := prompt.SelectTarget(terminal, stdout, reg.Targets())
	if err != nil {
		return registry.Target{}, err
	}
	fmt.Fprintf(stdout, "\nSelected client: %s (%s)\n", target.Name, target.Domain)
	return target, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, handler, err := bootstrap()
	if err != nil {
		return err
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is not enabled in the configuration (serve.enabled)")
	}
	for _, w := range cfg.ServeWarnings() {
		logger.Warn(w)
	}

	runner := shell.NewExecRunner()
	gitClient := git.NewShellClient(runner, cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	store := registry.NewStore(cfg.Registry.Path)

	session, err := newSession(cfg, runner, store, prompt.AutoConfirm{}, logger, deploy.Options{
		RepoDir: cfg.Repo.Dir,
		LogPath: handler.Path(),
	})
	if err != nil {
		return err
	}

	source := deploy.Source{URL: cfg.Repo.URL, Ref: cfg.Repo.Ref, Dir: cfg.Repo.Dir}
	pipeline := deploy.NewPipeline(gitClient, store, session, source, cfg.Serve.Clients, logger)

	server, err := webhook.NewServer(cfg.Serve, pipeline, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	logger.Info("starting webhook server", "addr", cfg.Serve.ListenAddr, "clients", cfg.Serve.Clients)
	return server.Start(ctx)
}

// newSession wires a deploy session for cfg
func newSession(cfg *config.Config, runner shell.Runner, store deploy.Checkpointer, asker prompt.Asker, logger *slog.Logger, opts deploy.Options) (*deploy.Session, error) {
	filter, err := newFilter(cfg)
	if err != nil {
		return nil, err
	}

	gitClient := git.NewShellClient(runner, cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	detector := changes.NewDetector(gitClient, cfg.Repo.Dir)

	return deploy.NewSession(detector, filter, newTransports(cfg, runner), store, asker, logger, opts), nil
}

// newFilter builds the path filter. The registry file is always excluded,
// wherever it lives inside the working tree.
func newFilter(cfg *config.Config) (*pathfilter.Filter, error) {
	var rules []string
	if rel := cfg.RegistryRelPath(); rel != "" {
		rules = append(rules, "^"+regexp.QuoteMeta(rel)+"$")
	}
	filter, err := pathfilter.New(cfg.Repo.Dir, rules, cfg.Filter.Exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid filter configuration: %w", err)
	}
	return filter, nil
}

func newTransports(cfg *config.Config, runner shell.Runner) transport.Set {
	return transport.Set{
		transport.KindFTP: transport.NewFTP(transport.FTPOptions{
			Timeout:     cfg.Transport.FTP.Timeout,
			DisableEPSV: cfg.Transport.FTP.DisableEPSV,
		}),
		transport.KindSFTP: transport.NewSFTP(runner, transport.SFTPOptions{
			SCP:                   cfg.Transport.SFTP.SCP,
			SSH:                   cfg.Transport.SFTP.SSH,
			SSHPass:               cfg.Transport.SFTP.SSHPass,
			ConnectTimeout:        cfg.Transport.SFTP.ConnectTimeout,
			StrictHostKeyChecking: cfg.Transport.SFTP.StrictHostKeyChecking,
			StrictExitStatus:      cfg.Transport.SFTP.StrictExitStatus,
			LegacyProtocol:        cfg.Transport.SFTP.LegacyProtocol,
		}),
	}
}

// bootstrap loads the configuration with a console-only logger, then returns
// the dual-sink logger every later step writes through.
func bootstrap() (*config.Config, *slog.Logger, *deploylog.Handler, error) {
	console := slog.New(setupLogger("", logLevel))

	cfg, err := loadConfig(console)
	if err != nil {
		console.Error("failed to load config", "error", err)
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	handler := setupLogger(cfg.Logging.Dir, level)
	return cfg, slog.New(handler), handler, nil
}

func setupLogger(dir, level string) *deploylog.Handler {
	return deploylog.NewHandler(stdout, deploylog.Options{
		Dir:   dir,
		Level: parseLevel(level),
	})
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	optional := false
	if configPath == "" {
		configPath = config.DefaultPath
		optional = true
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath, optional)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo_dir", cfg.Repo.Dir,
		"registry", cfg.Registry.Path,
		"log_dir", cfg.Logging.Dir,
		"git_auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
