package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"sphub/internal/app"
	"sphub/internal/config"
	"sphub/internal/pidfile"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
)

// exitRunning is the exit status when another daemon owns the working
// directory.
const exitRunning = 14

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, pidfile.ErrRunning) {
			os.Exit(exitRunning)
		}
		os.Exit(1)
	}
}

// readConfig reads the config file, falling back to defaults when it does
// not exist yet.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	path := defaults["config_path"]
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.NewConfig(defaults["base_dir"]), nil
	}
	cfg, err := config.ReadFromFile(path, defaults["base_dir"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an SPHubApp. The caller must defer
// app.Close().
func newApp() (*app.SPHubApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	if debug, _ := rootCmd.PersistentFlags().GetBool("debug"); debug {
		cfg.LogLevel = "debug"
	}

	a, err := app.NewSPHubApp(cfg, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "sphubd",
	Short:        "Direct Connect client daemon",
	SilenceUsage: true,
}

// daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if nick, _ := cmd.Flags().GetString("nick"); nick != "" {
			cfg.Nick = nick
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Nick:        %s\n", cfg.Nick)
		fmt.Printf("Working Dir: %s\n", cfg.WorkingDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		m := &config.Manager{}
		return m.Write(os.Stdout, cfg)
	},
}

// queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the download queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued targets, filelists and directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		q := a.Engine().Queue()
		targets, filelists, dirs := q.Targets(), q.Filelists(), q.Directories()
		if len(targets)+len(filelists)+len(dirs) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, t := range targets {
			fmt.Printf("T  p%d  %10s  %s\n", t.Priority, datasize.ByteSize(t.Size).HumanReadable(), t.Filename)
			for _, s := range q.SourcesForTarget(t.Filename) {
				fmt.Printf("     <- %s %s\n", s.Nick, s.SourceFilename)
			}
		}
		for _, f := range filelists {
			fmt.Printf("F  p%d  %s\n", f.Priority, f.Nick)
		}
		for _, d := range dirs {
			state := "unresolved"
			if d.Resolved() {
				state = fmt.Sprintf("%d/%d left", d.NLeft, d.NFiles)
			}
			fmt.Printf("D  %-12s  %s <- %s %s\n", state, d.TargetDirectory, d.Nick, d.SourceDirectory)
		}
		return nil
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add NICK SOURCE TARGET",
	Short: "Queue a file download",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetUint64("size")
		tth, _ := cmd.Flags().GetString("tth")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Engine().Queue().Add(args[0], args[1], size, args[2], tth); err != nil {
			return fmt.Errorf("queueing %s: %w", args[2], err)
		}
		fmt.Printf("Queued %s from %s\n", args[2], args[0])
		return nil
	},
}

var queueFilelistCmd = &cobra.Command{
	Use:   "filelist NICK",
	Short: "Queue a filelist download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Engine().Queue().AddFilelist(args[0], false); err != nil {
			return fmt.Errorf("queueing filelist: %w", err)
		}
		fmt.Printf("Queued filelist of %s\n", args[0])
		return nil
	},
}

var queuePriorityCmd = &cobra.Command{
	Use:   "priority TARGET PRIORITY",
	Short: "Change the priority of a target (0 pauses it)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid priority %q", args[1])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Engine().Queue().SetPriority(args[0], priority)
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove TARGET",
	Short: "Remove a target from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetBool("directory")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		q := a.Engine().Queue()
		if dir {
			return q.RemoveDirectory(args[0])
		}
		return q.RemoveTarget(args[0])
	},
}

var queueDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the queue in log record form",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		return app.DumpQueue(cfg, os.Stdout)
	},
}

// tth command
var tthCmd = &cobra.Command{
	Use:   "tth",
	Short: "Inspect the hash store",
}

var tthListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known hashes and their inodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		return app.ListTTH(cfg, os.Stdout)
	},
}

// slots command
var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Manage extra upload slots",
}

var slotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extra slot grants",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		grants := a.Engine().ExtraSlots().All()
		if len(grants) == 0 {
			fmt.Println("No extra slots granted.")
			return nil
		}
		for _, g := range grants {
			fmt.Printf("%-20s %d\n", g.Nick, g.Slots)
		}
		return nil
	},
}

var slotsGrantCmd = &cobra.Command{
	Use:   "grant NICK DELTA",
	Short: "Grant (or with a negative delta, revoke) extra slots",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid delta %q", args[1])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		x := a.Engine().ExtraSlots()
		if err := x.Grant(args[0], delta); err != nil {
			return err
		}
		fmt.Printf("%s now has %d extra slot(s)\n", args[0], x.Get(args[0]))
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history [NICK]",
	Short: "View transfer history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		nick := ""
		if len(args) > 0 {
			nick = args[0]
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		transfers, err := a.History().ListTransfers(nick, limit)
		if err != nil {
			return err
		}
		if len(transfers) == 0 {
			fmt.Println("No transfers recorded.")
			return nil
		}
		for _, t := range transfers {
			fmt.Printf("%s  %-8s  %-8s  %-15s  %10s  %s\n",
				t.FinishedAt.Format("2006-01-02 15:04:05"),
				t.Direction,
				t.Status,
				t.Nick,
				datasize.ByteSize(t.Bytes).HumanReadable(),
				t.Filename,
			)
		}
		return nil
	},
}

var historySessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "View daemon runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.History().ListSessions(limit)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			duration := ""
			if s.FinishedAt != nil {
				duration = s.FinishedAt.Sub(s.StartedAt).String()
			}
			fmt.Printf("%s  %s  %-8s  %s\n", s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), s.Status, duration)
		}
		return nil
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export DEST",
	Short: "Write a copy of the history database to DEST",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.History().BackupTo(args[0]); err != nil {
			return err
		}
		fmt.Printf("History written to %s\n", args[0])
		return nil
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete transfers older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		age, _ := cmd.Flags().GetDuration("older-than")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.History().Prune(time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d transfer(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Log at debug level")

	rootCmd.AddCommand(daemonCmd)

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("nick", "", "Nick to connect as")
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)

	// queue subcommands
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueAddCmd.Flags().Uint64("size", 0, "File size in bytes")
	queueAddCmd.Flags().String("tth", "", "Tiger tree hash of the file")
	queueCmd.AddCommand(queueFilelistCmd)
	queueCmd.AddCommand(queuePriorityCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueRemoveCmd.Flags().Bool("directory", false, "Remove a whole directory download")
	queueCmd.AddCommand(queueDumpCmd)
	rootCmd.AddCommand(queueCmd)

	// tth subcommands
	tthCmd.AddCommand(tthListCmd)
	rootCmd.AddCommand(tthCmd)

	// slots subcommands
	slotsCmd.AddCommand(slotsListCmd)
	slotsCmd.AddCommand(slotsGrantCmd)
	rootCmd.AddCommand(slotsCmd)

	// history subcommands
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries to show")
	historySessionsCmd.Flags().IntP("limit", "n", 20, "Maximum number of sessions to show")
	historyCmd.AddCommand(historySessionsCmd)
	historyCmd.AddCommand(historyExportCmd)
	historyPruneCmd.Flags().Duration("older-than", 90*24*time.Hour, "Age of the oldest transfer to keep")
	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}
