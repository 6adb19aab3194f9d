package cli

import (
	"log/slog"

	"flatmaster/internal/config"
	"flatmaster/internal/pipeline"
	"flatmaster/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flatmaster",
		Short: "flatmaster plans master flat calibration runs",
		Long: `flatmaster scans flat and dark libraries, groups flats by exposure,
picks or schedules the best matching dark for every group and hands the
resulting plan to PixInsight.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newDarksCmd(root))
	rootCmd.AddCommand(newPlanCmd(root))
	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [flat_root...]",
		Short: "Scan flat roots and report what was found",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdScan(cmd.Context(), args)
		},
	}
}

func newDarksCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "darks [dark_root...]",
		Short: "List the dark inventory by kind and exposure",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdDarks(cmd.Context(), args)
		},
	}
}

func addPlanFlags(cmd *cobra.Command, a *planArgs) {
	cmd.Flags().StringSliceVarP(&a.darkRoots, "darks", "d", nil, "dark library roots (default from config)")
	cmd.Flags().BoolVar(&a.noNearest, "no-nearest", false, "disable the nearest-exposure dark fallback")
	cmd.Flags().BoolVar(&a.jsonOut, "json", false, "print the plan as JSON")
}

func newPlanCmd(root *Root) *cobra.Command {
	var a planArgs
	cmd := &cobra.Command{
		Use:   "plan [flat_root...]",
		Short: "Build a calibration plan without running the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.flatRoots = args
			return root.cmdPlan(cmd.Context(), a, pipeline.JobPlan)
		},
	}
	addPlanFlags(cmd, &a)
	return cmd
}

func newRunCmd(root *Root) *cobra.Command {
	var a planArgs
	cmd := &cobra.Command{
		Use:   "run [flat_root...]",
		Short: "Build a plan and execute it with PixInsight",
		Long: `Build a calibration plan and execute it with PixInsight.

The engine is launched with --run=<script>, then --run <script>, until it
writes its completion sentinel. A missing sentinel is reported as an error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.flatRoots = args
			return root.cmdPlan(cmd.Context(), a, pipeline.JobRun)
		},
	}
	addPlanFlags(cmd, &a)
	cmd.Flags().BoolVar(&a.deleteCalibrated, "delete-calibrated", false, "remove calibrated flats after a successful run")
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent planning runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdRuns(limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		a       planArgs
		execute bool
	)
	cmd := &cobra.Command{
		Use:   "watch [flat_root...]",
		Short: "Re-plan whenever new flats land under the flat roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.flatRoots = args
			return root.cmdWatch(cmd.Context(), a, execute)
		},
	}
	cmd.Flags().StringSliceVarP(&a.darkRoots, "darks", "d", nil, "dark library roots (default from config)")
	cmd.Flags().BoolVar(&execute, "run", false, "execute each plan instead of only planning")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC status service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdServe(cmd.Context(), addr, grpcAddr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (default from config)")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(asJSON)
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON instead of YAML")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
