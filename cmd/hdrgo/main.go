package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/HdrGo/internal/app"
	"github.com/cjeanneret/HdrGo/internal/config"
	"github.com/cjeanneret/HdrGo/internal/debug"
	"github.com/cjeanneret/HdrGo/internal/web"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	debugLevel int
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "hdrgo:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{debugLevel: -1}
	root := &cobra.Command{
		Use:           "hdrgo",
		Short:         "Exposure-bracketing HDR capture controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", filepath.Join("configs", "default.yaml"), "path to config file (.yaml or .toml inside configs/)")
	root.PersistentFlags().IntVar(&opts.debugLevel, "debug-level", -1, "override defaults.debug_level (0-4)")

	root.AddCommand(
		newCaptureCmd(opts),
		newServeCmd(opts),
		newDevicesCmd(opts),
		newPlanCmd(),
		newHistoryCmd(opts),
	)
	return root
}

// loadConfig reads the config file and initializes logging from it.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	if err := config.ValidateConfigPath(opts.configPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.debugLevel >= 0 {
		if opts.debugLevel > debug.LevelTrace {
			return nil, fmt.Errorf("--debug-level must be between 0 and %d, got %d", debug.LevelTrace, opts.debugLevel)
		}
		cfg.Defaults.DebugLevel = opts.debugLevel
	}

	debug.SetFormat(cfg.Defaults.LogFormat)
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", opts.configPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Driver", cfg.Device.Driver)
	return cfg, nil
}

// overrideFlags are the per-photo settings accepted by capture.
type overrideFlags struct {
	hdr          bool
	bracketCount int
	exposureStep int
}

func (f *overrideFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.hdr, "hdr", true, "bracket the photo (--hdr=false for a single shot)")
	cmd.Flags().IntVar(&f.bracketCount, "bracket-count", 0, "override hdr.bracket_count (1-9)")
	cmd.Flags().IntVar(&f.exposureStep, "exposure-step", 0, "override hdr.exposure_step (1 = 1EV, 2 = 2/3EV, 3 = 1/3EV)")
}

// overrides returns the flags the user actually set; unset flags keep the config.
func (f *overrideFlags) overrides(cmd *cobra.Command) web.Overrides {
	var o web.Overrides
	if cmd.Flags().Changed("hdr") {
		v := f.hdr
		o.HDR = &v
	}
	o.BracketCount = f.bracketCount
	o.ExposureStep = f.exposureStep
	return o
}

// appOverrides converts validated request overrides for the app.
func appOverrides(o web.Overrides) app.Overrides {
	return app.Overrides{
		HDR:          o.HDR,
		BracketCount: o.BracketCount,
		ExposureStep: o.ExposureStep,
	}
}

// webPortFlag implements pflag.Value for --web: 0 = disabled, --web → 8080, --web=8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) Type() string { return "port" }

func (w *webPortFlag) port() int { return w.val }
