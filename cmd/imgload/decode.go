package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	imageloader "github.com/Skryldev/image-loader"
	"github.com/Skryldev/image-loader/codec"
	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
)

var decodeOpts struct {
	MaxWidth      int
	MaxHeight     int
	LowQuality    bool
	NoOrientation bool
	NoPool        bool
	FailPreproc   bool
	OutDir        string
	Stats         bool
}

var decodeCmd = &cobra.Command{
	Use:   "decode <uri>...",
	Short: "Decode one or more images",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		opts := core.Options{
			MaxWidth:                   decodeOpts.MaxWidth,
			MaxHeight:                  decodeOpts.MaxHeight,
			LowQuality:                 decodeOpts.LowQuality,
			CorrectOrientationDisabled: decodeOpts.NoOrientation,
			PoolDisabled:               decodeOpts.NoPool,
			FailOnPreprocessError:      decodeOpts.FailPreproc,
		}
		reqs := make([]*core.Request, len(args))
		for i, uri := range args {
			reqs[i] = imageloader.NewRequest(uri, opts)
		}
		if decodeOpts.OutDir != "" {
			if err := os.MkdirAll(decodeOpts.OutDir, 0o755); err != nil {
				return fmt.Errorf("failed to create output dir: %w", err)
			}
		}

		results, errs := loader.Batch(ctx, reqs)
		failed := 0
		out := cmd.OutOrStdout()
		for i, res := range results {
			if errs[i] != nil {
				failed++
				fmt.Fprintf(out, "%s\tFAIL\t%s\t%v\n", args[i], apperrors.CauseOf(errs[i]), errs[i])
				continue
			}
			br := res.(*core.BitmapResult)
			a := res.ImageAttrs()
			fmt.Fprintf(out, "%s\tOK\t%s\t%dx%d\tbitmap=%dx%d\tsample=%d\torientation=%d\tfrom=%s\n",
				args[i], a.MimeType(), a.Width(), a.Height(),
				br.Bitmap.Width(), br.Bitmap.Height(), br.SampleSize, a.ExifOrientation(), res.From())
			if decodeOpts.OutDir != "" {
				if err := writePNG(cmd, filepath.Join(decodeOpts.OutDir, fmt.Sprintf("%03d.png", i)), br); err != nil {
					failed++
					fmt.Fprintf(out, "%s\tFAIL\twrite\t%v\n", args[i], err)
				}
			}
			loader.Release(res)
		}

		if decodeOpts.Stats {
			printStats(cmd)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d images failed", failed, len(args))
		}
		return nil
	},
}

func writePNG(cmd *cobra.Command, path string, br *core.BitmapResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := codec.Encode(cmd.Context(), f, br.Bitmap.Image(), core.TypePNG, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printStats(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	snap := metrics.Snapshot()
	stages := make([]string, 0, len(snap.StageCalls))
	for s := range snap.StageCalls {
		stages = append(stages, string(s))
	}
	sort.Strings(stages)
	fmt.Fprintln(out, "\nstage\tcalls\terrors\ttotal_ms")
	for _, s := range stages {
		st := core.Stage(s)
		fmt.Fprintf(out, "%s\t%d\t%d\t%d\n", s, snap.StageCalls[st], snap.StageErrors[st], snap.StageDurationsMs[st])
	}
	ps := loader.Stats().Pool
	fmt.Fprintf(out, "\npool\thits=%d misses=%d puts=%d evictions=%d bytes=%d\n",
		ps.Hits, ps.Misses, ps.Puts, ps.Evictions, ps.Bytes)
}

func init() {
	f := decodeCmd.Flags()
	f.IntVar(&decodeOpts.MaxWidth, "max-width", 0, "bound the decoded width")
	f.IntVar(&decodeOpts.MaxHeight, "max-height", 0, "bound the decoded height")
	f.BoolVar(&decodeOpts.LowQuality, "low-quality", false, "faster, lower quality sampling")
	f.BoolVar(&decodeOpts.NoOrientation, "no-orientation", false, "skip EXIF orientation correction")
	f.BoolVar(&decodeOpts.NoPool, "no-pool", false, "bypass the bitmap pool")
	f.BoolVar(&decodeOpts.FailPreproc, "strict", false, "fail when a preprocessor fails instead of falling back")
	f.StringVarP(&decodeOpts.OutDir, "out", "o", "", "write decoded bitmaps as PNG into this directory")
	f.BoolVar(&decodeOpts.Stats, "stats", false, "print stage and pool statistics")
}
