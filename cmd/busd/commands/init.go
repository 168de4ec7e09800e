package commands

import (
	"github.com/dyluth/agentbus/internal/printer"
	"github.com/dyluth/agentbus/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	initForce bool
	initDir   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter bus.yml",
	Long: `Write a commented bus.yml with every setting at its default, plus a
.env.example listing common AGENTBUS_* overrides.

Existing files are left alone unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write into")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	written, err := scaffold.Initialize(initDir, initForce)
	if err != nil {
		return printer.ErrorWithContext("Initialization failed", err.Error(),
			map[string]string{"Directory": initDir}, nil)
	}
	printer.Success("Initialized busd configuration\n")
	for _, path := range written {
		printer.Step("%s\n", path)
	}
	printer.Info("Next: edit redis.url, then run 'busd deliver'\n")
	return nil
}
