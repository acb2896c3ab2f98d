package db

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
)

// ErrUsage is returned for an unknown or incomplete migrate command.
var ErrUsage = errors.New("invalid migrate command")

// RunMigrateCommand handles the 'migrate' subcommand. Output goes to out.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return ErrUsage
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(out)
		return nil
	}

	migrations, err := getMigrationsFS()
	if err != nil {
		return fmt.Errorf("failed to get migrations filesystem: %w", err)
	}

	// The schema is left alone until the action runs.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		return printStatus(out, database, migrations)

	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		return printStatus(out, database, migrations)

	case "status":
		return printStatus(out, database, migrations)

	case "version":
		if len(args) < 2 {
			return fmt.Errorf("%w: usage: depthkitd migrate version <N>", ErrUsage)
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[1], err)
		}
		if err := database.MigrateTo(migrations, uint(v)); err != nil {
			return err
		}
		return printStatus(out, database, migrations)

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("%w: usage: depthkitd migrate force <N>", ErrUsage)
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[1], err)
		}
		fmt.Fprintf(out, "Forcing migration version to %d without running migrations\n", v)
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		return printStatus(out, database, migrations)

	default:
		fmt.Fprintf(out, "Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp(out)
		return ErrUsage
	}
}

func printStatus(out io.Writer, database *DB, migrations fs.FS) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	latest, err := LatestMigrationVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d\n", version)
	fmt.Fprintf(out, "Latest available: %d\n", latest)
	fmt.Fprintf(out, "Dirty: %v\n", dirty)
	switch {
	case dirty:
		fmt.Fprintln(out, "Database is in a dirty state; inspect it, then run: depthkitd migrate force <N>")
	case version < latest:
		fmt.Fprintf(out, "Database is %d version(s) behind; run: depthkitd migrate up\n", latest-version)
	}
	return nil
}

// PrintMigrateHelp writes the migrate usage text.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Database Migration Commands

Usage: depthkitd migrate <command> [options]

Commands:
  up              Apply all pending migrations
  down            Roll back one migration
  status          Show current migration version
  version <N>     Migrate to version N
  force <N>       Force the migration version to N (recovery only)
  help            Show this help message

Options:
  -db-path <path>    Path to database file (default: depthkit.db)
`)
}
