package main

import (
	"fmt"

	"github.com/spf13/cobra"

	imageloader "github.com/Skryldev/image-loader"
	"github.com/Skryldev/image-loader/core"
)

var probeCmd = &cobra.Command{
	Use:   "probe <uri>",
	Short: "Print the mime type and size of an image without decoding it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := loader.Probe(cmd.Context(), imageloader.NewRequest(args[0], core.Options{}))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%dx%d\n", args[0], b.MimeType, b.Width, b.Height)
		return nil
	},
}
