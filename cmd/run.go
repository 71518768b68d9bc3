package cmd

import (
	"log"

	"github.com/arcward/tessera/tessera"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Tessera bot and admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := tessera.New(cfg)
			if err != nil {
				log.Fatalf("error creating tessera: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running tessera: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
