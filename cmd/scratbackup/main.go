package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"scrat-backup/internal/app"
	"scrat-backup/internal/config"
	"scrat-backup/internal/engine"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config file and creates a fully wired App. The
// caller must defer a.Close(). operation identifies the CLI command
// being run (e.g. "backup", "install-schedule"), recorded on the
// catalog's operations row for crash recovery and history.
func newApp(operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "scrat-backup",
	Short: "Encrypted, versioned file backup",
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
			return fmt.Errorf("getting defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("initializing config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:  %s\n", cfg.HostID)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:  %s\n", cfg.LogDir)
		fmt.Printf("Max Versions: %d\n", cfg.Policy.MaxVersions)
		fmt.Printf("Compression:  %s\n", cfg.Policy.Compression)
		return nil
	},
}

// source command

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage backup sources",
}

var sourceAddCmd = &cobra.Command{
	Use:   "add NAME PATH",
	Short: "Register a directory tree to back up",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		exclude, _ := cmd.Flags().GetStringSlice("exclude")

		a, err := newApp("source-add")
		if err != nil {
			return err
		}
		defer a.Close()

		src, err := a.AddSource(cmd.Context(), args[0], args[1], exclude)
		if err != nil {
			return fmt.Errorf("adding source: %w", err)
		}
		fmt.Printf("Added source %q (%s)\n", src.Name, src.ID)
		return nil
	},
}

var sourceRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a backup source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("source-remove")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RemoveSource(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("removing source: %w", err)
		}
		fmt.Printf("Removed source %s\n", args[0])
		return nil
	},
}

var sourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("source-list")
		if err != nil {
			return err
		}
		defer a.Close()

		sources, err := a.ListSources(cmd.Context())
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Println("No sources configured.")
			return nil
		}
		for _, s := range sources {
			status := "enabled"
			if !s.Enabled {
				status = "disabled"
			}
			fmt.Printf("%-20s  %-8s  %s\n", s.Name, status, s.RootPath)
		}
		return nil
	},
}

// destination command

var destCmd = &cobra.Command{
	Use:   "destination",
	Short: "Manage backup destinations",
}

var destAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a backup destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destType, _ := cmd.Flags().GetString("type")
		root, _ := cmd.Flags().GetString("root")
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		user, _ := cmd.Flags().GetString("user")
		share, _ := cmd.Flags().GetString("share")
		url, _ := cmd.Flags().GetString("url")
		command, _ := cmd.Flags().GetString("command")
		cmdArgs, _ := cmd.Flags().GetStringSlice("arg")
		privateKey, _ := cmd.Flags().GetString("private-key")

		dc := config.DestinationConfig{Name: args[0], Type: destType, Enabled: true}
		switch destType {
		case "local":
			dc.Local = &config.LocalDestinationConfig{Root: root}
		case "sftp":
			dc.SFTP = &config.SFTPDestinationConfig{Host: host, Port: port, User: user, Root: root, PrivateKey: privateKey}
		case "smb":
			dc.SMB = &config.SMBDestinationConfig{Host: host, Share: share, User: user, Root: root}
		case "webdav":
			dc.WebDAV = &config.WebDAVDestinationConfig{URL: url, User: user}
		case "shelled_multi_cloud":
			dc.Shelled = &config.ShelledDestinationConfig{Command: command, Args: cmdArgs}
		default:
			return fmt.Errorf("unknown destination type %q (want local, sftp, smb, webdav, or shelled_multi_cloud)", destType)
		}

		a, err := newApp("destination-add")
		if err != nil {
			return err
		}
		defer a.Close()

		dst, err := a.AddDestination(cmd.Context(), dc)
		if err != nil {
			return fmt.Errorf("adding destination: %w", err)
		}
		fmt.Printf("Added destination %q (%s)\n", dst.Name, dst.ID)
		return nil
	},
}

var destListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup destinations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("destination-list")
		if err != nil {
			return err
		}
		defer a.Close()

		dests, err := a.ListDestinations(cmd.Context())
		if err != nil {
			return err
		}
		if len(dests) == 0 {
			fmt.Println("No destinations configured.")
			return nil
		}
		for _, d := range dests {
			connected := "never"
			if d.LastConnected.Valid {
				connected = d.LastConnected.Time.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-20s  %-10s  last connected: %s\n", d.Name, d.Type, connected)
		}
		return nil
	},
}

var destTestCmd = &cobra.Command{
	Use:   "test NAME",
	Short: "Round-trip a small object to verify a destination is reachable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("destination-test")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.TestDestination(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("destination test failed: %w", err)
		}
		fmt.Printf("Destination %q is reachable\n", args[0])
		return nil
	},
}

// backup command

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run a backup against a destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		destination, _ := cmd.Flags().GetString("destination")
		full, _ := cmd.Flags().GetBool("full")
		incremental, _ := cmd.Flags().GetBool("incremental")
		if full && incremental {
			return fmt.Errorf("--full and --incremental are mutually exclusive")
		}
		kind := engine.KindAuto
		switch {
		case full:
			kind = engine.KindFull
		case incremental:
			kind = engine.KindIncremental
		}

		a, err := newApp("backup")
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.StartBackup(cmd.Context(), destination, kind)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("Backup %s: %s (%d files, %d bytes compressed)\n", b.ID, b.Status, b.FilesProcessed, b.SizeCompressed)
		return nil
	},
}

// restore command

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a destination's logical tree as of a point in time",
	RunE: func(cmd *cobra.Command, args []string) error {
		destination, _ := cmd.Flags().GetString("destination")
		at, _ := cmd.Flags().GetString("at")
		paths, _ := cmd.Flags().GetStringSlice("path")
		target, _ := cmd.Flags().GetString("target")

		if destination == "" || target == "" {
			return fmt.Errorf("--destination and --target are required")
		}

		var when time.Time
		if at == "" || strings.EqualFold(at, "latest") {
			when = time.Now().UTC()
		} else {
			parsed, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("parsing --at %q (want RFC3339 or \"latest\"): %w", at, err)
			}
			when = parsed
		}

		a, err := newApp("restore")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Restore(cmd.Context(), destination, when, paths, target)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored %d file(s), %d failed, %d bytes written\n", res.FilesRestored, res.FilesFailed, res.BytesWritten)
		return nil
	},
}

var restorePointsCmd = &cobra.Command{
	Use:   "restore-points NAME",
	Short: "List restorable points for a destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("restore-points")
		if err != nil {
			return err
		}
		defer a.Close()

		points, err := a.ListRestorablePoints(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(points) == 0 {
			fmt.Println("No restorable points.")
			return nil
		}
		for _, p := range points {
			fmt.Printf("%s  %-11s  %s\n", p.Timestamp.Format(time.RFC3339), p.Kind, p.BackupID)
		}
		return nil
	},
}

// schedule command

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled backups",
}

var scheduleInstallCmd = &cobra.Command{
	Use:   "install NAME",
	Short: "Install a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		frequency, _ := cmd.Flags().GetString("frequency")
		timeOfDay, _ := cmd.Flags().GetString("time")
		weekdays, _ := cmd.Flags().GetStringSlice("weekdays")
		dayOfMonth, _ := cmd.Flags().GetInt("day-of-month")
		sources, _ := cmd.Flags().GetStringSlice("source")
		destination, _ := cmd.Flags().GetString("destination")

		sc := config.ScheduleConfig{
			Name:            args[0],
			Enabled:         true,
			Frequency:       frequency,
			TimeOfDay:       timeOfDay,
			Weekdays:        weekdays,
			DayOfMonth:      dayOfMonth,
			SourceNames:     sources,
			DestinationName: destination,
		}

		a, err := newApp("schedule-install")
		if err != nil {
			return err
		}
		defer a.Close()

		sch, err := a.InstallSchedule(cmd.Context(), sc)
		if err != nil {
			return fmt.Errorf("installing schedule: %w", err)
		}
		fmt.Printf("Installed schedule %q (%s)\n", sch.Name, sch.ID)
		return nil
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("schedule-remove")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RemoveSchedule(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("removing schedule: %w", err)
		}
		fmt.Printf("Removed schedule %s\n", args[0])
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("schedule-list")
		if err != nil {
			return err
		}
		defer a.Close()

		scheds, err := a.ListSchedules(cmd.Context())
		if err != nil {
			return err
		}
		if len(scheds) == 0 {
			fmt.Println("No schedules configured.")
			return nil
		}
		for _, s := range scheds {
			next := "-"
			if s.NextRun.Valid {
				next = s.NextRun.Time.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-20s  %-8s  next: %s\n", s.Name, s.Frequency, next)
		}
		return nil
	},
}

var scheduleRunDueCmd = &cobra.Command{
	Use:   "run-due",
	Short: "Run every schedule currently due, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("schedule-run-due")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.TriggerDueSchedulesNow(cmd.Context())
	},
}

// daemon command

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduler continuously until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("daemon")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a.RunDaemon(ctx)
		return nil
	},
}

// log / history commands

var logCmd = &cobra.Command{
	Use:   "log [BACKUP_ID]",
	Short: "View recent log entries, optionally scoped to one backup",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		backupID := ""
		if len(args) > 0 {
			backupID = args[0]
		}

		a, err := newApp("log")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.GetLog(cmd.Context(), backupID, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No log entries.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-5s  %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Level, e.Message)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("history")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.GetHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				duration = op.FinishedAt.Time.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%-6s %-18s %s  %-8s  %s\n",
				strconv.FormatInt(op.ID, 10),
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
			)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)

	sourceAddCmd.Flags().StringSlice("exclude", nil, "glob patterns to exclude (repeatable)")
	sourceCmd.AddCommand(sourceAddCmd, sourceListCmd, sourceRemoveCmd)

	destAddCmd.Flags().String("type", "local", "destination type: local, sftp, smb, webdav, shelled_multi_cloud")
	destAddCmd.Flags().String("root", "", "root path (local, sftp, smb)")
	destAddCmd.Flags().String("host", "", "host (sftp, smb)")
	destAddCmd.Flags().Int("port", 22, "port (sftp)")
	destAddCmd.Flags().String("user", "", "user (sftp, smb, webdav)")
	destAddCmd.Flags().String("share", "", "share name (smb)")
	destAddCmd.Flags().String("url", "", "base URL (webdav)")
	destAddCmd.Flags().String("command", "", "command to exec (shelled_multi_cloud)")
	destAddCmd.Flags().StringSlice("arg", nil, "argument for --command (repeatable)")
	destAddCmd.Flags().String("private-key", "", "private key path (sftp)")
	destCmd.AddCommand(destAddCmd, destListCmd, destTestCmd)

	backupCmd.Flags().String("destination", "", "destination name")
	backupCmd.Flags().Bool("full", false, "force a full backup")
	backupCmd.Flags().Bool("incremental", false, "force an incremental backup")
	backupCmd.MarkFlagRequired("destination")

	restoreCmd.Flags().String("destination", "", "destination name")
	restoreCmd.Flags().String("at", "latest", "point in time to restore, RFC3339 or \"latest\"")
	restoreCmd.Flags().StringSlice("path", nil, "restrict restore to paths with this prefix (repeatable)")
	restoreCmd.Flags().String("target", "", "directory to restore into")

	scheduleInstallCmd.Flags().String("frequency", "daily", "daily, weekly, monthly, startup, or shutdown")
	scheduleInstallCmd.Flags().String("time", "00:00", "time of day, HH:MM")
	scheduleInstallCmd.Flags().StringSlice("weekdays", nil, "weekly: mon,tue,... (repeatable)")
	scheduleInstallCmd.Flags().Int("day-of-month", 1, "monthly: day of month")
	scheduleInstallCmd.Flags().StringSlice("source", nil, "source name to include (repeatable)")
	scheduleInstallCmd.Flags().String("destination", "", "destination name")
	scheduleCmd.AddCommand(scheduleInstallCmd, scheduleRemoveCmd, scheduleListCmd, scheduleRunDueCmd)

	logCmd.Flags().IntP("limit", "n", 50, "maximum number of entries to show")
	historyCmd.Flags().IntP("limit", "n", 50, "maximum number of operations to show")

	rootCmd.AddCommand(configCmd, sourceCmd, destCmd, backupCmd, restoreCmd, restorePointsCmd,
		scheduleCmd, daemonCmd, logCmd, historyCmd)
}
