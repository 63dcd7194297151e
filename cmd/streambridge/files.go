package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/streambridge/internal/attachments"
)

func newUploadCmd(root *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Copy a local file into the uploads directory and print its path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := attachments.NewStore(root.dataDirectory())
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(args[0])
			}
			path, err := store.Write(name, data)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "stored file name (default the source base name)")
	return cmd
}

func newAttachmentsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "attachments",
		Short: "List files the worker has written to the attachments directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := attachments.NewStore(root.dataDirectory())
			if err != nil {
				return err
			}
			paths, err := store.List()
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <path>",
		Short: "Open a file with the platform's default application",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return attachments.Open(abs)
		},
	}
}
