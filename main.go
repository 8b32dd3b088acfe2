package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:          "taxreply",
		Short:        "Draft replies to tax authority information requests",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default $TAXREPLY_CONFIG or ./config.json)")

	root.AddCommand(serveCMD(&cfgPath), migrateCMD(&cfgPath), indexCMD(&cfgPath), modelsCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
