package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/destresolver"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/downloadqueue"
)

func newDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Queue or cancel model downloads",
	}
	cmd.AddCommand(newDownloadEnqueueCmd())
	cmd.AddCommand(newDownloadCancelCmd())
	cmd.AddCommand(newDownloadCancelAllCmd())
	return cmd
}

func newDownloadEnqueueCmd() *cobra.Command {
	var size int64
	cmd := &cobra.Command{
		Use:   "enqueue <group> <modelName> <sourceRemotePath> <localPath>",
		Short: "Enqueue a model for download",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), "upload")
			if err != nil {
				return err
			}

			group, modelName, sourceRemotePath, localPath := args[0], args[1], args[2], args[3]
			destination, _ := destresolver.Resolve(localPath, sourceRemotePath)

			err = a.queue.Enqueue(downloadqueue.Job{
				Group:               group,
				ModelName:           modelName,
				LocalPath:           localPath,
				DownloadDestination: destination,
				SourceRemotePath:    sourceRemotePath,
				TotalSize:           size,
			})
			if _, dup := err.(*downloadqueue.ErrDuplicateDestination); dup {
				fmt.Println(err)
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int64Var(&size, "size", 0, "Known total size in bytes, if available")
	return cmd
}

func newDownloadCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <group> <modelName>",
		Short: "Cancel a single queued or in-flight download",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), "upload")
			if err != nil {
				return err
			}
			return a.worker.Cancel(cmd.Context(), args[0], args[1])
		},
	}
}

func newDownloadCancelAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every queued download and stop the running worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), "upload")
			if err != nil {
				return err
			}
			return a.worker.CancelAll(cmd.Context())
		},
	}
}
