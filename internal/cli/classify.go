package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vietddude/podmirror/internal/mirroring/classify"
)

var classifyCmd = &cobra.Command{
	Use:   "classify [message]",
	Short: "Print the error kind a fetch engine message maps to",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(classify.Classify(strings.Join(args, " ")))
	},
}

func init() {
	rootCmd.AddCommand(classifyCmd)
}
