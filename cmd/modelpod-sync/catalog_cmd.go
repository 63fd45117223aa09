package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/catalog"
	strutil "github.com/bleash-dev/comfyui-docker-sub000/internal/util/strings"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the model catalog",
	}
	cmd.AddCommand(newCatalogListCmd())
	cmd.AddCommand(newCatalogShowCmd())
	return cmd
}

func newCatalogListCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog entries, optionally filtered by group",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), "upload")
			if err != nil {
				return err
			}

			var entries []catalog.Entry
			if group != "" {
				entries, err = a.catalog.ListByGroup(group)
			} else {
				entries, err = a.catalog.ListAll()
			}
			if err != nil {
				return err
			}

			for _, e := range entries {
				fmt.Printf("%s/%s\t%s\t%d bytes\t%s\n", e.Group, e.ModelName, e.LocalPath, e.ModelSize, e.OriginalRemotePath)
			}
			fmt.Printf("%d %s\n", len(entries), strutil.Pluralize("file", int64(len(entries))))
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Restrict the listing to this group")
	return cmd
}

func newCatalogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <group> <modelName>",
		Short: "Show a single catalog entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), "upload")
			if err != nil {
				return err
			}

			entries, err := a.catalog.ListByGroup(args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.ModelName == args[1] {
					fmt.Printf("group:              %s\n", e.Group)
					fmt.Printf("modelName:          %s\n", e.ModelName)
					fmt.Printf("localPath:          %s\n", e.LocalPath)
					fmt.Printf("originalRemotePath: %s\n", e.OriginalRemotePath)
					fmt.Printf("downloadUrl:        %s\n", e.DownloadURL)
					fmt.Printf("modelSize:          %d\n", e.ModelSize)
					fmt.Printf("uploadedAt:         %s\n", e.UploadedAt)
					fmt.Printf("lastUpdated:        %s\n", e.LastUpdated)
					return nil
				}
			}
			return fmt.Errorf("no catalog entry for %s/%s", args[0], args[1])
		},
	}
}
