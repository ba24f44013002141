package cli

import (
	"os"

	"github.com/spf13/cobra"

	"tumbler/internal/transport/dbusrpc"
)

var (
	flagConfig string
	flagBus    string
	flagName   string
	flagPath   string
)

func defaultConfigPath() string {
	if p := os.Getenv("TUMBLERD_CONFIG"); p != "" {
		return p
	}
	return ""
}

// NewRootCmd creates the tumblerd command tree. Without a subcommand it runs
// the daemon.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:          "tumblerd",
		Short:        "Thumbnail request dispatch daemon (org.freedesktop.thumbnails.Thumbnailer1)",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flagConfig)
		},
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "config file (YAML or JSON; TUMBLERD_CONFIG env)")
	root.PersistentFlags().StringVar(&flagBus, "bus", "session", "bus used by client commands (session, system)")
	root.PersistentFlags().StringVar(&flagName, "name", dbusrpc.DefaultName, "bus name used by client commands")
	root.PersistentFlags().StringVar(&flagPath, "path", string(dbusrpc.DefaultPath), "object path used by client commands")

	root.AddCommand(
		newServeCmd(),
		newQueueCmd(),
		newDequeueCmd(),
		newSupportedCmd(),
		newFlavorsCmd(),
		newSchedulersCmd(),
	)
	return root
}

func clientConfig() dbusrpc.Config {
	return dbusrpc.Config{Bus: flagBus, Name: flagName, Path: flagPath}
}
