package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

type cli struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
	now        func() time.Time
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr, now: time.Now}

	rootCmd := &cobra.Command{
		Use:   "campus",
		Short: "Campus scheduling records and sessions",
		Long: `campus manages the course, faculty, room and timetable collections of a
campus scheduling deployment and the signed-in session that gates them.

Settings come from an optional TOML or YAML file (--config) and CAMPUS_*
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to a .toml or .yaml config file")

	rootCmd.AddCommand(
		c.newLoginCmd(),
		c.newLogoutCmd(),
		c.newRegisterCmd(),
		c.newWhoamiCmd(),
		c.newResetPasswordCmd(),
		c.newRecordsCmd(),
		c.newDepartmentsCmd(),
		c.newStatsCmd(),
	)
	return rootCmd
}

func (c *cli) writeJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
