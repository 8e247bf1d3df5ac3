package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/backup"
	"github.com/halyard-io/halyard/internal/storage"
)

var (
	backupCSV    bool
	backupNative bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a backup (CSV export by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openAdminEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		res, err := env.backups.Backup(cmd.Context(), backup.Options{
			CSV:    backupCSV,
			Native: backupNative,
		})
		if err != nil {
			return exitWith(exitInfra, err)
		}
		fmt.Printf("backup %s created\n", res.Name)
		if res.CSVDir != "" {
			fmt.Printf("  csv:    %s\n", res.CSVDir)
		}
		if res.NativeFile != "" {
			fmt.Printf("  native: %s\n", res.NativeFile)
		}
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List restore points, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openAdminEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		points, err := env.backups.ListRestorePoints()
		if err != nil {
			return exitWith(exitInfra, err)
		}
		if len(points) == 0 {
			fmt.Println("no backups")
			return nil
		}
		for _, rp := range points {
			kind := "csv"
			if rp.NativeFile != "" {
				kind += "+native"
			}
			fmt.Printf("%s  %s  %s  schema %.12s\n",
				rp.Name, rp.Timestamp.Format("2006-01-02 15:04:05"), kind, rp.SchemaHash)
		}
		return nil
	},
}

var (
	restoreName  string
	revertTable  string
	revertTarget string
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore from a backup",
}

func findPoint(env *adminEnv, name string) (backup.RestorePoint, error) {
	points, err := env.backups.ListRestorePoints()
	if err != nil {
		return backup.RestorePoint{}, exitWith(exitInfra, err)
	}
	for _, rp := range points {
		if rp.Name == name {
			return rp, nil
		}
	}
	return backup.RestorePoint{}, exitWith(exitConfig,
		apperr.E(apperr.NotFound, "backup %s not found", name))
}

var restoreFullCmd = &cobra.Command{
	Use:   "full",
	Short: "Drop everything and rebuild from a backup's schema and data",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openAdminEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		rp, err := findPoint(env, restoreName)
		if err != nil {
			return err
		}
		if err := env.backups.FullRollback(cmd.Context(), rp); err != nil {
			return exitWith(exitMigration, err)
		}
		fmt.Printf("restored %s\n", rp.Name)
		return nil
	},
}

var restoreCSVCmd = &cobra.Command{
	Use:   "csv",
	Short: "Additively import a CSV backup into the live schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openAdminEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		rp, err := findPoint(env, restoreName)
		if err != nil {
			return err
		}
		if rp.CSVDir == "" {
			return exitWith(exitConfig, apperr.E(apperr.NotFound, "backup %s has no CSV export", rp.Name))
		}
		if err := env.backups.ImportCSV(cmd.Context(), rp.CSVDir); err != nil {
			return exitWith(exitInfra, err)
		}
		fmt.Printf("imported %s\n", rp.Name)
		return nil
	},
}

var restoreRevertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Revert one table to its state at a point in time",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := storage.DecodeTime(revertTarget)
		if err != nil {
			return exitWith(exitConfig, apperr.E(apperr.Validation, "--target must be an RFC3339 timestamp"))
		}
		env, err := openAdminEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		summary, err := env.backups.RevertTable(cmd.Context(), revertTable, target, "cli")
		if err != nil {
			return exitWith(exitInfra, err)
		}
		fmt.Printf("reverted %d row(s), soft-deleted %d row(s)\n", summary.Reverted, summary.SoftDeleted)
		return nil
	},
}

func init() {
	backupCmd.Flags().BoolVar(&backupCSV, "csv", true, "write a CSV export")
	backupCmd.Flags().BoolVar(&backupNative, "native", false, "write a native snapshot (sqlite only)")
	backupCmd.AddCommand(backupListCmd)

	restoreFullCmd.Flags().StringVar(&restoreName, "name", "", "restore point name")
	_ = restoreFullCmd.MarkFlagRequired("name")
	restoreCSVCmd.Flags().StringVar(&restoreName, "name", "", "restore point name")
	_ = restoreCSVCmd.MarkFlagRequired("name")
	restoreRevertCmd.Flags().StringVar(&revertTable, "table", "", "table to revert")
	restoreRevertCmd.Flags().StringVar(&revertTarget, "target", "", "RFC3339 point in time")
	_ = restoreRevertCmd.MarkFlagRequired("table")
	_ = restoreRevertCmd.MarkFlagRequired("target")
	restoreCmd.AddCommand(restoreFullCmd, restoreCSVCmd, restoreRevertCmd)

	rootCmd.AddCommand(backupCmd, restoreCmd)
}
