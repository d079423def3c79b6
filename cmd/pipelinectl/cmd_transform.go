package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/media-pipeline/internal/domain"
	"github.com/cuongbtq/media-pipeline/internal/transform"
)

var (
	transformOut         string
	transformContentType string
)

var transformCmd = &cobra.Command{
	Use:   "transform <file>",
	Short: "Resize a local image with the configured pipeline parameters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		engine, err := transform.NewEngine(transform.Params{
			MaxWidth:            cfg.Pipeline.MaxWidth,
			MaxHeight:           cfg.Pipeline.MaxHeight,
			AllowUpscale:        cfg.Pipeline.AllowUpscale,
			JPEGQuality:         cfg.Pipeline.JPEGQuality,
			MaxPixels:           cfg.Pipeline.MaxPixels,
			AllowedContentTypes: cfg.Pipeline.AllowedContentTypes,
		})
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		contentType := transformContentType
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		if !engine.Allowed(contentType) {
			return fmt.Errorf("%w: %q", domain.ErrUnsupportedContentType, contentType)
		}

		result, err := engine.Transform(data, contentType)
		if err != nil {
			return err
		}

		out := transformOut
		if out == "" {
			name := domain.DerivedKey("", filepath.Base(args[0]), domain.ExtensionFor(result.ContentType), result.Width, result.Height)
			out = filepath.Join(filepath.Dir(args[0]), name)
		}
		if err := os.WriteFile(out, result.Data, 0o644); err != nil {
			return err
		}

		cliLogger.Info("Transformed image", "input", args[0], "output", out)

		if outputJSON {
			return printJSON(map[string]any{
				"input":         args[0],
				"output":        out,
				"content_type":  result.ContentType,
				"source_width":  result.SourceWidth,
				"source_height": result.SourceHeight,
				"width":         result.Width,
				"height":        result.Height,
				"bytes":         len(result.Data),
			})
		}
		fmt.Printf("%s: %dx%d -> %dx%d (%s, %d bytes)\n",
			out, result.SourceWidth, result.SourceHeight, result.Width, result.Height, result.ContentType, len(result.Data))
		return nil
	},
}

func init() {
	transformCmd.Flags().StringVarP(&transformOut, "out", "o", "", "Output path (defaults to the derived key next to the input)")
	transformCmd.Flags().StringVar(&transformContentType, "content-type", "", "Content type of the input (sniffed when empty)")
	rootCmd.AddCommand(transformCmd)
}
