package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/0x6d61/defectscan/internal/config"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// skipConfig marks commands that run without loading the configuration.
const skipConfig = "skip-config"

// flagKeys binds command-line flags to configuration keys. Only flags the
// executing command defines are bound.
var flagKeys = map[string]string{
	"session.path":                 "db",
	"session.store":                "store",
	"log.verbose":                  "verbose",
	"log.format":                   "log-format",
	"detection.batch_size":         "batch-size",
	"detection.concurrency":        "concurrency",
	"detection.include_extensions": "include",
	"detection.exclude_patterns":   "exclude",
	"detection.processor":          "processor",
}

// globalOptions holds the persistent flags and the configuration loaded
// from them.
type globalOptions struct {
	cfgFile string
	noColor bool

	cfg *config.Config
}

func (g *globalOptions) load(cmd *cobra.Command) error {
	v := viper.New()
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(v, g.cfgFile)
	if err != nil {
		return err
	}
	g.cfg = cfg
	return nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for key, name := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "defectscan",
		Short: "Resumable batch defect detection for C-family source trees",
		Long: `defectscan - resumable batch defect detection

Lists a source tree, groups header and implementation files into
directory-local batches and runs every file through an analyzer. Each
outcome is recorded in a session store, so an interrupted run can be
resumed without processing any file twice.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if g.noColor {
				color.NoColor = true
			}
			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}
			return g.load(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.cfgFile, "config", "c", "", "config file (default: ./.defectscan.yaml or ~/.config/defectscan/config.yaml)")
	pf.String("db", "", "session store path")
	pf.String("store", "", "session store kind (sqlite, file)")
	pf.IntP("verbose", "v", 0, "Verbosity level (0-3)")
	pf.String("log-format", "", "log format (text, json)")
	pf.BoolVar(&g.noColor, "no-color", false, "disable colored output")

	cmd.AddCommand(
		newVersionCmd(),
		newScanCmd(g),
		newResumeCmd(g),
		newSessionsCmd(g),
		newReportCmd(g),
		newConfigCmd(),
	)
	return cmd
}

// Execute runs the command tree.
func Execute() error {
	return newRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "defectscan %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
