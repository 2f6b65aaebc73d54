package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/HdrGo/internal/app"
	"github.com/cjeanneret/HdrGo/internal/debug"
	"github.com/cjeanneret/HdrGo/internal/hw/camera"
	"github.com/cjeanneret/HdrGo/internal/journal"
	"github.com/cjeanneret/HdrGo/internal/logic/exposure"
	"github.com/cjeanneret/HdrGo/internal/web"
)

func newCaptureCmd(opts *rootOptions) *cobra.Command {
	var flags overrideFlags
	var noWait bool
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Take one photo and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o := flags.overrides(cmd)
			if err := web.ValidateOverrides(o); err != nil {
				return fmt.Errorf("invalid override: %w", err)
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			debug.Step(1, "Opening device")
			a, err := app.New(ctx, cfg, app.Options{}, debug.Logger("app"))
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					debug.Error(err)
				}
			}()

			debug.PrintStruct("Capture settings", a.Settings())
			debug.Step(2, "Taking picture")
			shot, err := a.Shoot(ctx, appOverrides(o))
			if err != nil {
				return fmt.Errorf("capture failed: %w", err)
			}
			debug.Summary("Sequence Summary")
			debug.Value("Mode", shot.Sequence.Mode())
			debug.Value("Frames", len(shot.Sequence.Frames))
			printShot(cmd.OutOrStdout(), shot)

			if shot.MergeQueued && !noWait {
				debug.Step(3, "Waiting for merge")
				if err := a.WaitMerges(ctx); err != nil {
					return err
				}
			}
			debug.Section("Sequence Complete")
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "exit without waiting for the merge")
	return cmd
}

func printShot(w io.Writer, shot *app.Shot) {
	seq := shot.Sequence
	fmt.Fprintf(w, "sequence %s (%s) on %s\n", seq.ID, seq.Mode(), seq.Device)
	fmt.Fprintf(w, "  metered   %v @ ISO %d\n", seq.MeteredExposure, seq.MeteredISO)
	fmt.Fprintf(w, "  reference %s\n", shot.ReferencePath)
	if seq.HDR {
		fmt.Fprintf(w, "  plan      %s\n", seq.Plan)
	}
	for _, p := range shot.FramePaths {
		fmt.Fprintf(w, "  frame     %s\n", p)
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	webPort := &webPortFlag{defaultPort: 8080, val: 8080}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the device open and serve the web UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			broadcaster := web.NewStatusBroadcaster()
			debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := app.New(ctx, cfg, app.Options{}, debug.Logger("app"))
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					debug.Error(err)
				}
			}()

			s := a.Settings()
			caps := a.Capabilities()
			srv, err := web.NewServer(fmt.Sprintf(":%d", webPort.port()), web.Deps{
				Broadcaster: broadcaster,
				RunCapture: func(ctx context.Context, o web.Overrides) (web.CaptureResult, error) {
					shot, err := a.Shoot(ctx, appOverrides(o))
					if err != nil {
						return web.CaptureResult{}, err
					}
					return web.CaptureResult{
						ID:          shot.Sequence.ID.String(),
						Mode:        shot.Sequence.Mode(),
						Frames:      len(shot.Sequence.Frames),
						Reference:   shot.ReferencePath,
						MergeQueued: shot.MergeQueued,
					}, nil
				},
				Devices: func(context.Context) ([]camera.Capabilities, error) {
					return []camera.Capabilities{caps}, nil
				},
				History: a.History,
				FormDefaults: web.FormConfig{
					Device:       string(caps.ID),
					HDR:          s.HDR,
					BracketCount: s.BracketCount,
					ExposureStep: cfg.HDR.ExposureStep,
				},
				Log: debug.Logger("web"),
			})
			if err != nil {
				return err
			}

			// Stop serving when the device goes away.
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-a.Stopped():
					debug.Live("device stopped, shutting down")
					cancel()
				case <-ctx.Done():
				}
			}()
			return srv.Run(ctx)
		},
	}
	f := cmd.Flags().VarPF(webPort, "web", "", "serve on port; --web for default 8080, --web=8980 for custom port")
	f.NoOptDefVal = strconv.Itoa(webPort.defaultPort)
	return cmd
}

func newDevicesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices and their capabilities as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			p, release, err := app.NewProvider(cfg, debug.Logger("provider"))
			if err != nil {
				return err
			}
			defer release()

			ctx := cmd.Context()
			ids, err := p.Enumerate(ctx)
			if err != nil {
				return err
			}
			all := make([]camera.Capabilities, 0, len(ids))
			for _, id := range ids {
				c, err := p.Capabilities(ctx, id)
				if err != nil {
					return fmt.Errorf("device %s: %w", id, err)
				}
				all = append(all, c)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(all)
		},
	}
}

// planOptions are the inputs of the plan command.
type planOptions struct {
	best  time.Duration
	count int
	step  int
	min   time.Duration
	max   time.Duration
	iso   int
	toISO int
}

func newPlanCmd() *cobra.Command {
	o := planOptions{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the exposure plan for a metered exposure",
		Example: "  hdrgo plan --best 10ms --count 5 --step 2\n" +
			"  hdrgo plan --best 10ms --iso 400 --to-iso 100",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plan, err := computePlan(o)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tEXPOSURE\tSECONDS")
			for i, d := range plan {
				fmt.Fprintf(w, "%d\t%v\t%.6f\n", i, d, d.Seconds())
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&o.best, "best", 10*time.Millisecond, "metered exposure")
	cmd.Flags().IntVar(&o.count, "count", 3, "frames in the burst (1-9)")
	cmd.Flags().IntVar(&o.step, "step", int(exposure.OneStop), "exposure step (1 = 1EV, 2 = 2/3EV, 3 = 1/3EV)")
	cmd.Flags().DurationVar(&o.min, "min", 100*time.Microsecond, "shortest supported exposure")
	cmd.Flags().DurationVar(&o.max, "max", time.Second, "longest supported exposure")
	cmd.Flags().IntVar(&o.iso, "iso", 0, "ISO the exposure was metered at")
	cmd.Flags().IntVar(&o.toISO, "to-iso", 0, "ISO the burst is shot at")
	return cmd
}

// computePlan rescales best to the burst ISO, clamps it and builds the plan.
func computePlan(o planOptions) (exposure.Plan, error) {
	up, down, err := exposure.StepFactors(exposure.Step(o.step))
	if err != nil {
		return nil, err
	}
	r := exposure.Range{Lower: o.min, Upper: o.max}
	best := exposure.EquivalentExposure(o.best, o.iso, o.toISO)
	if best < r.Lower {
		best = r.Lower
	} else if best > r.Upper {
		best = r.Upper
	}
	return exposure.NewPlan(best, o.count, up, down, r)
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sequences from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Journal.Path == "" {
				return fmt.Errorf("journal.path is not configured")
			}
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()

			recs, err := j.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), recs, asJSON)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of sequences to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printHistory(out io.Writer, recs []journal.Record, asJSON bool) error {
	if asJSON {
		if recs == nil {
			recs = []journal.Record{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tID\tMODE\tSTATUS\tFRAMES\tMERGE")
	for _, r := range recs {
		merge := r.MergeStatus
		if merge == "" {
			merge = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.ID, r.Mode, r.Status, len(r.Exposures), merge)
	}
	return w.Flush()
}
