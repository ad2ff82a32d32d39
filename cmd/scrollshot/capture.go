package main

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/scrollshot/align"
	"github.com/hazyhaar/scrollshot/capture"
	"github.com/hazyhaar/scrollshot/idgen"
	"github.com/hazyhaar/scrollshot/refimage"
)

func newCaptureCmd(a *app) *cobra.Command {
	var (
		url       string
		viewport  string
		out       string
		reference string
		format    string
		jobID     string
		fullPage  bool
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture a page, or the region of it matching a reference",
		Long: `Capture a live page at a given viewport size.

Without --reference the viewport (or, with --full-page, the whole document)
is written to --out. With --reference the reference is analysed: a visible
header means a viewport capture, otherwise the page is captured in full and
the matching region is cropped and written to --out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			width, height, err := parseViewport(viewport)
			if err != nil {
				return &capture.Error{Reason: capture.ReasonInvalidJob, Err: err}
			}
			if cmd.Flags().Changed("format") {
				a.cfg.DevTools.Format = format
			}
			ctx := cmd.Context()
			output := capture.FileOutput{Path: out}

			if reference == "" {
				o, err := a.orchestrator(ctx, capture.WithUploader(output))
				if err != nil {
					return err
				}
				snap, err := o.Snapshot(ctx, capture.SnapshotRequest{URL: url, Width: width, Height: height, FullPage: fullPage})
				if err != nil {
					return err
				}
				dst, err := output.Put(ctx, snap.Data, "", snap.ContentType)
				if err != nil {
					return &capture.Error{Reason: capture.ReasonUploadFailure, Err: err}
				}
				return writeJSONLine(cmd.OutOrStdout(), struct {
					*capture.Snapshot
					Output string `json:"output"`
				}{snap, dst})
			}

			if fullPage {
				return fmt.Errorf("--full-page and --reference are exclusive")
			}
			if jobID == "" {
				jobID = idgen.Prefixed("cli_", idgen.Short(8))()
			}
			o, err := a.orchestrator(ctx, capture.WithUploader(output))
			if err != nil {
				return err
			}
			res := o.Run(ctx, capture.Job{
				ID:             jobID,
				PageURL:        url,
				Reference:      reference,
				ViewportWidth:  width,
				ViewportHeight: height,
			})
			if !res.OK() {
				return &resultsError{err: resultErr(res), results: []*capture.Result{res}}
			}
			return writeJSONLine(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&url, "url", "", "page URL (required)")
	f.StringVar(&viewport, "viewport", "1442x1056", "viewport as WIDTHxHEIGHT")
	f.StringVar(&out, "out", "", "output image path (required)")
	f.StringVar(&reference, "reference", "", "reference screenshot path or URL")
	f.StringVar(&format, "format", "png", "screenshot encoding: png, jpeg or webp")
	f.StringVar(&jobID, "id", "", "job ID used in logs and storage keys")
	f.BoolVar(&fullPage, "full-page", false, "capture the whole document instead of the viewport")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newAlignCmd(a *app) *cobra.Command {
	var fullPath, refPath, out string
	cmd := &cobra.Command{
		Use:   "align",
		Short: "Locate a reference inside an existing full-page image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			full, err := loadImage(cmd, fullPath)
			if err != nil {
				return err
			}
			ref, err := loadImage(cmd, refPath)
			if err != nil {
				return err
			}
			res, err := a.matcher().Match(ctx, full, ref)
			if err != nil {
				return err
			}
			if out != "" {
				crop, err := align.Crop(full, res.OffsetY, res.TemplateHeight)
				if err != nil {
					return err
				}
				var buf bytes.Buffer
				if err := png.Encode(&buf, crop); err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
					return err
				}
			}
			return writeJSONLine(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&fullPath, "full-page-image", "", "full-page capture path or URL (required)")
	f.StringVar(&refPath, "reference", "", "reference screenshot path or URL (required)")
	f.StringVar(&out, "out", "", "write the matched region here as PNG")
	_ = cmd.MarkFlagRequired("full-page-image")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var refPath string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Report the size and header visibility of a reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := refimage.Load(cmd.Context(), refPath)
			if err != nil {
				return &capture.Error{Reason: capture.ReasonReferenceInvalid, Err: err}
			}
			an, err := a.analyzer().Analyze(data)
			if err != nil {
				return &capture.Error{Reason: capture.ReasonReferenceInvalid, Err: err}
			}
			return writeJSONLine(cmd.OutOrStdout(), an)
		},
	}
	cmd.Flags().StringVar(&refPath, "reference", "", "reference screenshot path or URL (required)")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

func loadImage(cmd *cobra.Command, src string) (image.Image, error) {
	data, err := refimage.Load(cmd.Context(), src)
	if err != nil {
		return nil, &capture.Error{Reason: capture.ReasonReferenceInvalid, Err: err}
	}
	img, _, err := refimage.Decode(data)
	if err != nil {
		return nil, &capture.Error{Reason: capture.ReasonReferenceInvalid, Err: err}
	}
	return img, nil
}
