package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mgpai22/klip/internal/tags"
)

var tagsCmd = &cobra.Command{
	Use:   "tags [title]",
	Short: "Print the hashtags generated for a video title",
	Long: `Print the hashtags klip attaches to clips of a video with this title.

Examples:
  klip tags "Apollo 11 Moon Landing Footage"`,
	Args: cobra.MinimumNArgs(1),
	// no config or external tools needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), tags.Join(tags.Generate(strings.Join(args, " "))))
	},
}

func init() {
	rootCmd.AddCommand(tagsCmd)
}
