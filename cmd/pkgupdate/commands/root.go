package commands

import (
	"fmt"
	"os"

	"github.com/fly-io/pkgupdate/internal/config"
	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "pkgupdate",
	Short: "Self-update an installed application from its GitHub releases",
	Long: `Checks the latest GitHub release of an application, downloads the release
archive and mirrors it onto the install root.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "config load failed")
		}
		cfg = loaded
		return setupLogging(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	},
}

// cfg is loaded once per invocation, before any subcommand runs.
var cfg *config.Config

// Execute runs the root command. buildVersion is the fallback version when
// the install root carries no version marker.
func Execute(buildVersion string) {
	if buildVersion != "" {
		config.DefaultVersion = buildVersion
		rootCmd.Version = buildVersion
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("install-root", ".", "Install root to update")
	flags.String("state-dir", "", "State directory (default <parent>/.<install-root>-update)")
	flags.String("repo", "", "Release source as owner/name")
	flags.String("api-base", "https://api.github.com", "Release API base URL")
	flags.String("asset-suffix", ".zip", "Suffix of the release asset to install")
	flags.String("asset-mirror", "", "Mirror for release assets (s3:// or https://)")
	flags.String("s3-region", "us-east-1", "S3 region for s3:// assets")
	flags.StringSlice("probe-hosts", []string{"api.github.com:443", "1.1.1.1:443"}, "Hosts probed for network reachability, in order")
	flags.String("launcher", "launch.sh", "Launcher that must exist in the release")
	flags.StringSlice("preserve", nil, "Install root paths never removed by an update")
	flags.Int64("max-file-size", 512*1024*1024, "Max extracted file size in bytes")
	flags.Int64("max-total-size", 4*1024*1024*1024, "Max total extraction size")
	flags.Float64("max-compression-ratio", 200.0, "Max compression ratio")
	flags.String("log-format", "text", "Log format: text, json or pretty")
	flags.String("log-level", "info", "Log level")

	for _, key := range []string{
		"install-root", "state-dir", "repo", "api-base", "asset-suffix", "asset-mirror",
		"s3-region", "probe-hosts", "launcher", "preserve",
		"max-file-size", "max-total-size", "max-compression-ratio",
		"log-format", "log-level",
	} {
		viper.BindPFlag(key, flags.Lookup(key))
	}
}
