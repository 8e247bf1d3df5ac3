package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and run the rename backfill",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openAdminEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.eng.Run(cmd.Context()); err != nil {
			return exitWith(exitMigration, err)
		}
		records, err := env.eng.List(cmd.Context())
		if err != nil {
			return exitWith(exitInfra, err)
		}
		fmt.Printf("schema up to date, %d migration(s) recorded\n", len(records))
		return nil
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Re-run the rename backfill without schema changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openAdminEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.eng.Backfill(cmd.Context()); err != nil {
			return exitWith(exitMigration, err)
		}
		fmt.Println("backfill complete")
		return nil
	},
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List tables and columns present in the database but not in the schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openAdminEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		orphans, err := env.eng.ScanOrphans(cmd.Context())
		if err != nil {
			return exitWith(exitInfra, err)
		}
		if len(orphans.Tables) == 0 && len(orphans.Columns) == 0 {
			fmt.Println("no orphans")
			return nil
		}
		for _, table := range orphans.Tables {
			fmt.Printf("table   %s\n", table)
		}
		for table, cols := range orphans.Columns {
			for _, col := range cols {
				fmt.Printf("column  %s.%s\n", table, col)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, backfillCmd, orphansCmd)
}
