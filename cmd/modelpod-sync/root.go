package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/logging"
)

var (
	cfgFile string
	verbose bool
	log     *logging.Logger
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "modelpod-sync",
		Short: "Model-artifact catalog, download, and upload sync for ComfyUI compute pods",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log = logging.NewDefault()
			if verbose {
				logging.SetGlobalLevel(zerolog.DebugLevel)
				log.Debugf("verbose logging enabled")
			}
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to the INI config file (env vars still override)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newCatalogCmd())
	root.AddCommand(newDownloadCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newSyncCmd())
	return root
}
