package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/localjira/localjira/internal/paths"
	"github.com/localjira/localjira/internal/store"
)

var (
	dbPath     string
	backupPath string
)

// dbCmd represents the db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long: `Manage the localjira SQLite cache.

Examples:
  localjira db status
  localjira db backup --output backup.db
  localjira db restore --input backup.db
  localjira db export > cache.json
  localjira db import < cache.json`,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache status and statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		fmt.Println("╔════════════════════════════════════════════════════════════╗")
		fmt.Println("║                      CACHE STATUS                          ║")
		fmt.Println("╠════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Path:            %-41s ║\n", truncateStr(stats.Path, 41))
		fmt.Printf("║  Size:            %-41s ║\n", humanize.Bytes(uint64(stats.SizeBytes)))
		fmt.Printf("║  Schema Version:  %-41d ║\n", stats.SchemaVersion)
		fmt.Println("╠════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Projects:        %-41d ║\n", stats.Projects)
		fmt.Printf("║  Issues:          %-41d ║\n", stats.Issues)
		fmt.Printf("║  Attachments:     %-41d ║\n", stats.Attachments)
		fmt.Printf("║  Comments:        %-41d ║\n", stats.Comments)
		fmt.Println("╠════════════════════════════════════════════════════════════╣")
		lastFull := "never"
		if !stats.LastFullSyncAt.IsZero() {
			lastFull = stats.LastFullSyncAt.Format("2006-01-02 15:04:05")
		}
		lastSeen := "never"
		if !stats.LastSeenUpdated.IsZero() {
			lastSeen = stats.LastSeenUpdated.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("║  Last full sync:  %-41s ║\n", lastFull)
		fmt.Printf("║  Last seen update:%-41s ║\n", lastSeen)
		fmt.Println("╚════════════════════════════════════════════════════════════╝")

		return nil
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup the cache database",
	Long: `Creates a consistent copy of the cache database.

If no output path is specified, creates a timestamped backup under
the XDG backup directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		dest := backupPath
		if dest == "" {
			if err := paths.EnsureBackupDir(); err != nil {
				return fmt.Errorf("failed to create backup directory: %w", err)
			}
			dest = filepath.Join(paths.BackupDir(), backupFilename())
		}

		if err := st.Backup(cmd.Context(), dest); err != nil {
			return fmt.Errorf("failed to backup database: %w", err)
		}

		info, _ := os.Stat(dest)
		var size int64
		if info != nil {
			size = info.Size()
		}
		fmt.Printf("backed up to %s (%s)\n", dest, humanize.Bytes(uint64(size)))
		return nil
	},
}

var dbRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the cache database from a backup",
	Long: `Replaces the live cache database with a backup file. The server
must not be running against the target database while this runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if backupPath == "" {
			return fmt.Errorf("backup path required: use --input")
		}
		if _, err := os.Stat(backupPath); err != nil {
			return fmt.Errorf("backup file not found: %s", backupPath)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		target := dbPath
		if target == "" {
			target = cfg.DatabasePath
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		if err := copyFile(backupPath, target); err != nil {
			return fmt.Errorf("failed to restore database: %w", err)
		}
		// Stale WAL/SHM sidecars from the previous database would
		// otherwise be replayed against the restored file.
		os.Remove(target + "-wal")
		os.Remove(target + "-shm")

		fmt.Printf("restored %s from %s\n", target, backupPath)
		return nil
	},
}

var dbExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the cache to JSON",
	Long: `Exports every cached project and issue to JSON on stdout.

  localjira db export > cache.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Export(cmd.Context(), os.Stdout); err != nil {
			return fmt.Errorf("failed to export cache: %w", err)
		}
		return nil
	},
}

var dbImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import cache data from JSON",
	Long: `Imports projects and issues from a document produced by
"db export". Every write is an upsert, so this is safe to run against
an existing cache.

  localjira db import < cache.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Import(cmd.Context(), os.Stdin); err != nil {
			return fmt.Errorf("failed to import cache: %w", err)
		}
		fmt.Fprintln(os.Stderr, "import complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbBackupCmd)
	dbCmd.AddCommand(dbRestoreCmd)
	dbCmd.AddCommand(dbExportCmd)
	dbCmd.AddCommand(dbImportCmd)

	dbCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default from config)")
	dbBackupCmd.Flags().StringVar(&backupPath, "output", "", "backup output path")
	dbRestoreCmd.Flags().StringVar(&backupPath, "input", "", "backup input path")
}

func openDB(ctx context.Context) (*store.Store, error) {
	path := dbPath
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.DatabasePath
	}
	st, err := store.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return st, nil
}

func backupFilename() string {
	return fmt.Sprintf("localjira-%s.db", time.Now().Format("20060102-150405"))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen+3:]
}
