package main

import (
	"fmt"

	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/extfsd/extfsd/pkg/elog"
	"github.com/extfsd/extfsd/pkg/flag"
)

var log elog.View

var (
	flagVerbose bool
	flagDebug   bool
	flagJSON    bool

	flagRead  bool
	flagWrite bool
	flagUsage bool

	flagForeground   = flag.BoolFlag{FlagPart: flag.NewFlagPart("foreground", "stay attached to the controlling terminal instead of mounting in the background", false)}
	flagProbe        = flag.BoolFlag{FlagPart: flag.NewFlagPart("probe", "check whether DEVICE holds a supported ext2 image, then exit", false)}
	flagTestUUID     = flag.NewStringFlag("test-uuid", "refuse to mount unless DEVICE's superblock UUID matches UUID", false, nil)
	flagConfig       = flag.NewStringFlag("config", "path to a config file (default: $XDG_CONFIG_HOME/extfs/config.toml)", false, nil)
	flagSyncInterval = flag.NewUintFlag("sync-interval", "override the periodic dirty-block sync interval, in seconds (default: config file or 10)", false, func(f flag.UintFlag) error {
		if f.Value != 0 && f.Value < 5 {
			return fmt.Errorf("--sync-interval must be at least 5 seconds")
		}
		return nil
	})
)

// commandInit wires up rootCmd's flags and logging, the way the
// teacher's cmd/vorteil/cli.go commandInit does for its own root
// command: the command's own domain flags first, then the persistent
// logging flags, then the PersistentPreRunE that turns the flags into a
// configured elog.View.
func commandInit() {
	rootCmd.Version = release

	f := rootCmd.Flags()
	f.BoolVarP(&flagRead, "read", "r", false, "force-include read access")
	f.BoolVarP(&flagWrite, "write", "w", false, "force-include write access (default when neither -r nor -w is given: read+write)")
	f.BoolVar(&flagUsage, "usage", false, "print usage information and exit")
	flagForeground.AddTo(f)
	flagProbe.AddTo(f)
	flagTestUUID.AddTo(f)
	flagConfig.AddTo(f)
	flagSyncInterval.AddTo(f)

	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := flagSyncInterval.FlagValidate(); err != nil {
			return err
		}

		logger := &elog.CLI{}

		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logger.DisableColors = !isatty.IsTerminal(uintptr(1)) && !isatty.IsCygwinTerminal(uintptr(1))
			logrus.SetFormatter(logger)
		}

		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}

		log = logger
		return nil
	}
}

var rootCmd = &cobra.Command{
	Use:   "extfs DEVICE [MOUNT-POINT]",
	Short: "Mount an ext2 image or block device over FUSE",
	Long: `extfs mounts an ext2 filesystem image or block device at MOUNT-POINT and
answers filesystem requests (open, read, write, readdir, link, rename,
truncate, ...) from the host kernel through FUSE.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          runMount,
}

func init() {
	rootCmd.Args = func(cmd *cobra.Command, args []string) error {
		if flagUsage {
			return nil
		}
		return cobra.RangeArgs(1, 2)(cmd, args)
	}
}
