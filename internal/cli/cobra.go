package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GeoscienceAustralia/PyGamma/internal/config"
	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
	"github.com/GeoscienceAustralia/PyGamma/internal/logging"
	"github.com/GeoscienceAustralia/PyGamma/internal/server"
	"github.com/GeoscienceAustralia/PyGamma/internal/stack"
	"github.com/GeoscienceAustralia/PyGamma/internal/tree"
	"github.com/GeoscienceAustralia/PyGamma/internal/watch"
)

// Version is stamped at build time.
var Version = "dev"

// NewRootCmd creates the root cobra command.
func NewRootCmd(cfg *config.Config) *cobra.Command {
	root := &Root{cfg: cfg}

	rootCmd := &cobra.Command{
		Use:   "insarstack",
		Short: "insarstack schedules Sentinel-1 stack coregistration",
		Long: `insarstack builds the tiered coregistration tree for a stack of Sentinel-1
acquisitions, aligns every scene to the reference geometry through the
coarse and fine convergence loops, and forms the interferogram products.
Runs leave durable completion markers and resume from where they stopped.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.Setup(cfg)
			if err != nil {
				return err
			}
			root.log = log
			return nil
		},
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newResumeCmd(root))
	rootCmd.AddCommand(newTreeCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		reference string
		jobs      int
	)

	cmd := &cobra.Command{
		Use:   "run [scenes.list]",
		Short: "Run the full stack: tree, coregistration and interferograms",
		Long: `Process the stack for the scene dates listed in scenes.list (one YYYYMMDD
per line). Completed tasks leave markers under the work directory, so an
interrupted run picks up where it stopped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reference != "" {
				root.cfg.Tree.ReferenceScene = reference
			}
			if jobs > 0 {
				root.cfg.Processing.ParallelJobs = jobs
			}
			return root.runStack(cmd.Context(), args)
		},
	}

	cmd.Flags().StringVar(&reference, "reference", "", "pin the reference scene (YYYYMMDD, default: median date)")
	cmd.Flags().IntVar(&jobs, "jobs", 0, "concurrent tasks (default: configured parallel_jobs)")
	return cmd
}

func newResumeCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume [scenes.list]",
		Short: "Resume an interrupted or partially failed run",
		Long: `Re-plan the stack against the durable completion markers: finished tasks
with intact products are kept, failed and stale tasks rerun together with
everything downstream of them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runStack(cmd.Context(), args)
		},
	}
	return cmd
}

func newTreeCmd(root *Root) *cobra.Command {
	var reference string

	cmd := &cobra.Command{
		Use:   "tree [scenes.list]",
		Short: "Show the coregistration tree without running anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sceneDates, err := root.readScenes(args)
			if err != nil {
				return err
			}
			if reference != "" {
				root.cfg.Tree.ReferenceScene = reference
			}

			s := &stack.Stack{Config: root.cfg}
			ref, err := s.Reference(sceneDates)
			if err != nil {
				return err
			}

			ctx := ctxlog.WithLogger(cmd.Context(), root.log)
			forest, err := tree.Build(ctx, ref, sceneDates, tree.Options{
				ThresholdDays:  root.cfg.Tree.ThresholdDays,
				IncludeClosest: root.cfg.Tree.IncludeClosest,
			})
			if err != nil {
				return err
			}

			fmt.Printf("reference: %s\n", forest.Reference)
			for tierNum := 1; tierNum <= len(forest.Tiers); tierNum++ {
				var entries []string
				for _, dt := range forest.TierDates(tierNum) {
					parent, _ := forest.ParentOf(dt)
					entries = append(entries, fmt.Sprintf("%s<-%s", dt, parent))
				}
				fmt.Printf("tier %d: %s\n", tierNum, strings.Join(entries, " "))
			}
			for _, dt := range forest.Dropped {
				fmt.Printf("dropped: %s (outside every window)\n", dt)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reference, "reference", "", "pin the reference scene (YYYYMMDD, default: median date)")
	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the durable completion state of every task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := server.ScanMarkers(root.cfg.Paths.WorkDir)
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Println("no completion markers; the stack has not run here")
			}
			for _, st := range statuses {
				fmt.Printf("%-10s %s\n", st.State, st.Task)
			}
			if !follow {
				return nil
			}

			watcher, err := watch.New(root.cfg.Paths.WorkDir)
			if err != nil {
				return err
			}
			defer watcher.Close()

			ctx := ctxlog.WithLogger(cmd.Context(), root.log)
			go watcher.Run(ctx)

			fmt.Println("following marker changes, interrupt to stop")
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-watcher.Events():
					if !ok {
						return nil
					}
					fmt.Printf("%s %-10s %s\n", ev.Time.Format("15:04:05"), ev.State, ev.Task)
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing marker changes as they happen")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run history and live progress over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			srv := server.New(addr, root.cfg.Paths.WorkDir, store, root.log)
			return srv.Start(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: configured server.addr)")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := os.Getenv("INSARSTACK_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/insarstack/config.json"
			}
			fmt.Printf("Config file: %s\n\n", cfgPath)
			out, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write a config file with the default settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			out, err := json.MarshalIndent(config.Default(), "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("insarstack %s\n", Version)
			fmt.Printf("built with %s\n", runtime.Version())
		},
	}
}
