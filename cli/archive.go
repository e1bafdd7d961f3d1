package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MS-tegart/treadmill/sowdb"
)

// NewArchiveCmd creates the "archive" subcommand: a one-shot archival pass
// moving aged state files into the historical store.
func NewArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive DIRECTORY...",
		Short: "Move aged state files into the historical store",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runArchive,
	}

	cmd.Flags().String("root", "", "State tree root (required)")
	cmd.Flags().String("sow-db", "", "Historical store path (required)")
	cmd.Flags().Duration("older-than", time.Hour, "Minimum file age before archival")
	_ = cmd.MarkFlagRequired("root")
	_ = cmd.MarkFlagRequired("sow-db")

	return cmd
}

func runArchive(cmd *cobra.Command, args []string) error {
	root, _ := cmd.Flags().GetString("root")
	sowDB, _ := cmd.Flags().GetString("sow-db")
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	store, err := sowdb.Open(sowDB)
	if err != nil {
		return exitError(exitRuntime, "opening historical store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	archiver, err := sowdb.NewArchiver(sowdb.ArchiverConfig{
		Root:      root,
		Store:     store,
		OlderThan: olderThan,
	})
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}

	total := 0
	for _, dir := range args {
		n, err := archiver.ArchiveDir(dir)
		if err != nil {
			return exitError(exitRuntime, "archiving %s: %v", dir, err)
		}
		total += n
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Archived %d record(s)\n", total)
	return nil
}
