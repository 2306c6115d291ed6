package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"storykeep/internal/db"
)

// dbInitPath is where `db init` creates the database: env > flag > config > cwd
func dbInitPath() string {
	for _, p := range []string{os.Getenv("STORYKEEP_DB"), dbPath, cfg.DBPath} {
		if p != "" {
			return p
		}
	}
	return dbFileName
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and any missing tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := dbInitPath()
		d, err := db.OpenDB(path)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.InitSchema(cmd.Context()); err != nil {
			return err
		}
		logger.Info("database initialized", "path", path)
		fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", path)
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbInitCmd)
	rootCmd.AddCommand(dbCmd)
}
