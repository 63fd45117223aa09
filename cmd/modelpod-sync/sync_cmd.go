package main

import (
	"github.com/spf13/cobra"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/pathutil"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile local model files against the object store and policy service",
	}
	cmd.AddCommand(newSyncPushCmd())
	cmd.AddCommand(newSyncSanitizeCmd())
	return cmd
}

func newSyncPushCmd() *cobra.Command {
	var syncType string
	cmd := &cobra.Command{
		Use:   "push <root> <remoteBase>",
		Short: "Walk root and upload every sync-eligible file permitted by the policy service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), syncType)
			if err != nil {
				return err
			}
			root, err := pathutil.ResolveAbsolutePath(args[0])
			if err != nil {
				return err
			}
			return a.syncer.Reconcile(cmd.Context(), root, args[1])
		},
	}
	cmd.Flags().StringVar(&syncType, "sync-type", "upload", "Sync type reported in progress notifications")
	return cmd
}

func newSyncSanitizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sanitize",
		Short: "Collapse duplicate catalog entries sharing a downloadUrl onto their largest local copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), "upload")
			if err != nil {
				return err
			}
			return a.syncer.Sanitize()
		},
	}
}
