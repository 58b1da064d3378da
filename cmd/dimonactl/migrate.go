package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dimona/internal/platform/config"
	"dimona/internal/platform/postgres"
)

func migrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := v.GetString("database-url")
			if url == "" {
				return fmt.Errorf("--database-url or DIMONA_DATABASE_URL is required")
			}
			db, err := postgres.Open(cmd.Context(), config.Database{URL: url, MaxOpenConns: 2, MaxIdleConns: 1})
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := postgres.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]int{"applied": applied})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
	cmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	_ = v.BindPFlag("database-url", cmd.Flags().Lookup("database-url"))
	return cmd
}
