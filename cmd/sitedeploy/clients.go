package main

import (
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thiago95macedo/webhost/internal/registry"
)

// newClient collects the flags of "clients add"
var newClient registry.Target

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Manage the client registry",
	Long: `Clients lists and edits the deployment targets in the client registry.

Every change rewrites the whole registry file. Run one command at a time; two
concurrent edits can overwrite each other.`,
}

var clientsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clients",
	Args:  cobra.NoArgs,
	RunE:  runClientsList,
}

var clientsAddCmd = &cobra.Command{
	Use:   "add KEY",
	Short: "Add a client",
	Long: `Add registers a new active client. The key identifies the client for good
and cannot be changed afterwards. The first deploy of a new client sends every
tracked file.`,
	Args: cobra.ExactArgs(1),
	RunE: runClientsAdd,
}

var clientsRemoveCmd = &cobra.Command{
	Use:   "remove KEY",
	Short: "Remove a client",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientsRemove,
}

var clientsEnableCmd = &cobra.Command{
	Use:   "enable KEY",
	Short: "Make a client selectable for deploys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setClientStatus(args[0], registry.StatusActive)
	},
}

var clientsDisableCmd = &cobra.Command{
	Use:   "disable KEY",
	Short: "Exclude a client from deploys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setClientStatus(args[0], registry.StatusInactive)
	},
}

var clientsToggleCmd = &cobra.Command{
	Use:   "toggle KEY",
	Short: "Switch a client between active and inactive",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientsToggle,
}

func init() {
	f := clientsAddCmd.Flags()
	f.StringVar(&newClient.Name, "name", "", "client name (required)")
	f.StringVar(&newClient.Domain, "domain", "", "site domain")
	f.StringVar((*string)(&newClient.Protocol), "protocol", string(registry.ProtocolFTP), "transport: ftp or sftp")
	f.StringVar(&newClient.FTP.Server, "server", "", "FTP/SSH server (required)")
	f.StringVar(&newClient.FTP.Username, "username", "", "FTP/SSH user (required)")
	f.StringVar(&newClient.FTP.Password, "password", "", "FTP/SSH password, stored in plaintext")
	f.StringVar(&newClient.FTP.RemoteDir, "remote-dir", "/public_html/", "remote directory files are uploaded under")
	f.StringVar(&newClient.Database.Host, "db-host", "localhost", "database host")
	f.StringVar(&newClient.Database.Name, "db-name", "", "database name")
	f.StringVar(&newClient.Database.Username, "db-user", "", "database user")

	clientsCmd.AddCommand(clientsListCmd)
	clientsCmd.AddCommand(clientsAddCmd)
	clientsCmd.AddCommand(clientsRemoveCmd)
	clientsCmd.AddCommand(clientsEnableCmd)
	clientsCmd.AddCommand(clientsDisableCmd)
	clientsCmd.AddCommand(clientsToggleCmd)
}

func runClientsList(cmd *cobra.Command, args []string) error {
	cfg, _, _, err := bootstrap()
	if err != nil {
		return err
	}

	reg, err := registry.NewStore(cfg.Registry.Path).Load()
	if errors.Is(err, registry.ErrEmpty) || errors.Is(err, registry.ErrMissing) {
		fmt.Fprintln(cmd.OutOrStdout(), "No clients configured.")
		return nil
	}
	if err != nil {
		return err
	}

	active := color.New(color.FgGreen).SprintFunc()
	inactive := color.New(color.FgRed).SprintFunc()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tDOMAIN\tPROTOCOL\tSERVER\tSTATUS\tLAST DEPLOY")
	for _, t := range reg.Targets() {
		status := inactive(string(t.Status))
		if t.Active() {
			status = active(string(t.Status))
		}
		last := "never"
		if t.HasCheckpoint() {
			last = t.LastDeploy
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Key, t.Name, t.Domain, t.Protocol, t.FTP.Server, status, last)
	}
	return w.Flush()
}

func runClientsAdd(cmd *cobra.Command, args []string) error {
	cfg, logger, _, err := bootstrap()
	if err != nil {
		return err
	}

	t := newClient
	t.Key = args[0]
	t.Status = registry.StatusActive

	if err := registry.NewStore(cfg.Registry.Path).Add(t); err != nil {
		return err
	}
	logger.Info("client added", "client", t.Key, "name", t.Name, "protocol", t.Protocol)
	return nil
}

func runClientsRemove(cmd *cobra.Command, args []string) error {
	cfg, logger, _, err := bootstrap()
	if err != nil {
		return err
	}

	if err := registry.NewStore(cfg.Registry.Path).Remove(args[0]); err != nil {
		return err
	}
	logger.Info("client removed", "client", args[0])
	return nil
}

func runClientsToggle(cmd *cobra.Command, args []string) error {
	cfg, logger, _, err := bootstrap()
	if err != nil {
		return err
	}

	reg, err := registry.NewStore(cfg.Registry.Path).Load()
	if err != nil {
		return err
	}
	t, err := reg.Get(args[0])
	if err != nil {
		return err
	}

	next := registry.StatusActive
	if t.Active() {
		next = registry.StatusInactive
	}
	return updateStatus(cfg.Registry.Path, logger, t.Key, next)
}

func setClientStatus(key string, status registry.Status) error {
	cfg, logger, _, err := bootstrap()
	if err != nil {
		return err
	}
	return updateStatus(cfg.Registry.Path, logger, key, status)
}

func updateStatus(registryPath string, logger *slog.Logger, key string, status registry.Status) error {
	if err := registry.NewStore(registryPath).SetStatus(key, status); err != nil {
		return err
	}
	logger.Info("client status changed", "client", key, "status", status)
	return nil
}
