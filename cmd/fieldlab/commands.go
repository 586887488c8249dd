package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/fieldlab/internal/app"
	"github.com/kingrea/fieldlab/internal/config"
	"github.com/kingrea/fieldlab/internal/experiment"
	"github.com/kingrea/fieldlab/internal/journal"
	"github.com/kingrea/fieldlab/internal/loader"
	"github.com/kingrea/fieldlab/internal/logging"
	"github.com/kingrea/fieldlab/internal/tui"
)

var rootCmd = &cobra.Command{
	Use:          "fieldlab",
	Short:        "fieldlab: run self-administered experiments in the terminal",
	Long:         "fieldlab loads the experiments listed in .fieldlab/config.yaml, asks for a participant profile once, and records each session as CSV.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTUI(cmd.Context(), "")
	},
}

func init() {
	// Persistent flags (available to all subcommands).
	rootCmd.PersistentFlags().String("project", ".", "Project directory that holds .fieldlab and js/experiments")
	rootCmd.PersistentFlags().String("base-url", "", "Fetch experiment units from this server instead of scripts.root")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Mirror log lines to stderr")

	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base-url"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Env support: FIELDLAB_PROJECT, FIELDLAB_BASE_URL, FIELDLAB_VERBOSE.
	viper.SetEnvPrefix("FIELDLAB")
	viper.AutomaticEnv()

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(timelineCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

// openProject ensures the .fieldlab tree exists and applies flag overrides.
func openProject() (*config.Config, *logging.Logger, error) {
	projectDir, err := filepath.Abs(viper.GetString("project"))
	if err != nil {
		return nil, nil, fmt.Errorf("resolve project dir: %w", err)
	}
	if err := config.InitProjectDir(projectDir); err != nil {
		return nil, nil, fmt.Errorf("initialize %s: %w", config.FieldlabDir, err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return nil, nil, err
	}
	if base := viper.GetString("base_url"); base != "" {
		if err := cfg.OverrideScriptsBaseURL(base); err != nil {
			return nil, nil, err
		}
	}
	logger, err := logging.New(projectDir)
	if err != nil {
		return nil, nil, err
	}
	if viper.GetBool("verbose") {
		logger.SetMirror(os.Stderr)
	}
	return cfg, logger, nil
}

func bootstrap(ctx context.Context) (*app.Runtime, *logging.Logger, error) {
	cfg, logger, err := openProject()
	if err != nil {
		return nil, nil, err
	}
	rt, err := app.Bootstrap(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return rt, logger, nil
}

func runTUI(ctx context.Context, experimentName string) error {
	rt, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer logger.Close()

	var opts []tui.AppOption
	if experimentName != "" {
		if _, ok := rt.Registry.Get(experimentName); !ok {
			return fmt.Errorf("experiment %s is not loaded (see %s)", experimentName, filepath.Join(rt.Config.LogsDir(), "fieldlab.log"))
		}
		opts = append(opts, tui.WithExperiment(experimentName))
	}

	p := tea.NewProgram(
		tui.NewApp(rt, opts...),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run TUI: %w", err)
	}
	return nil
}

// `init` subcommand: create the .fieldlab directory tree and default config.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create .fieldlab with a default config",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := openProject()
		if err != nil {
			return err
		}
		defer logger.Close()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Project ready at: %s\n", cfg.FieldlabProjectDir)
		fmt.Fprintf(out, "  config:  %s\n", cfg.ProjectConfigPath())
		fmt.Fprintf(out, "  units:   %s\n", filepath.Join(cfg.ScriptsRoot(), filepath.FromSlash(loader.UnitPath("<name>"))))
		fmt.Fprintf(out, "  data:    %s\n", cfg.DataDir())
		return nil
	},
}

// `list` subcommand: load every configured experiment and report the outcome.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Load configured experiments and show which are available",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, logger, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer logger.Close()
		describeRuntime(cmd.OutOrStdout(), rt)
		return nil
	},
}

func describeRuntime(w io.Writer, rt *app.Runtime) {
	failures := map[string]error{}
	if rt.Loader != nil {
		for _, script := range rt.Loader.Head().Scripts() {
			if script.State == loader.StateFailed {
				failures[script.Src] = script.Err
			}
		}
	}

	fmt.Fprintln(w, "Experiments:")
	for _, name := range rt.Requested {
		mod, ok := rt.Registry.Get(name)
		if !ok {
			reason := "not loaded"
			if err := failures[loader.UnitPath(name)]; err != nil {
				reason = err.Error()
			}
			fmt.Fprintf(w, "  %-24s failed: %s\n", name, reason)
			continue
		}
		note := ""
		if _, ok := experiment.Identity(mod); ok {
			note = " (identity check)"
		}
		fmt.Fprintf(w, "  %-24s loaded%s\n", name, note)
	}

	participant := rt.UserID
	if participant == "" {
		participant = "not set"
		if rt.NeedsProfile() {
			participant += "; profile runs first"
		}
	}
	fmt.Fprintf(w, "Participant: %s\n", participant)
}

// `run` subcommand: start one experiment directly (after the profile if needed).
var runCmd = &cobra.Command{
	Use:   "run <experiment>",
	Short: "Run a single experiment in the TUI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTUI(cmd.Context(), args[0])
	},
}

// `timeline` subcommand: print the steps an experiment would present.
var timelineCmd = &cobra.Command{
	Use:   "timeline <experiment>",
	Short: "Print an experiment's timeline as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, logger, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer logger.Close()
		return writeTimeline(cmd.OutOrStdout(), rt, args[0])
	},
}

func writeTimeline(w io.Writer, rt *app.Runtime, name string) error {
	mod, ok := rt.Registry.Get(name)
	if !ok {
		return fmt.Errorf("experiment %s is not loaded", name)
	}
	steps, err := mod.Run(rt.Engine(name))
	if err != nil {
		return fmt.Errorf("build %s timeline: %w", name, err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(steps); err != nil {
		return fmt.Errorf("encode timeline: %w", err)
	}
	return enc.Close()
}

// `history` subcommand: show recent session events from the journal.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sessions from the project journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := openProject()
		if err != nil {
			return err
		}
		defer logger.Close()
		book, err := journal.New(app.JournalPath(cfg))
		if err != nil {
			return err
		}
		lines, _ := cmd.Flags().GetInt("lines")
		writeHistory(cmd.OutOrStdout(), book, lines)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("lines", "n", 20, "Number of entries to show")
}

func writeHistory(w io.Writer, book *journal.Journal, n int) {
	lines, total := book.Tail(n)
	if total == 0 {
		fmt.Fprintln(w, "No sessions recorded yet.")
		return
	}
	fmt.Fprintf(w, "Showing %d of %d entries from %s\n", len(lines), total, book.Path())
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

// `version` subcommand.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fieldlab %s\n", version)
	},
}
