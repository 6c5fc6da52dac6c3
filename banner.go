package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"rugcomposer/core"
	"rugcomposer/render"
)

// printBanner writes the serve startup summary.
func printBanner(w io.Writer, cfg *core.Config) {
	header := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgHiBlack)
	on := color.New(color.FgGreen)
	off := color.New(color.FgYellow)

	header.Fprintln(w, "rugcomposer")
	row := func(name, value string) {
		label.Fprintf(w, "  %-18s", name)
		fmt.Fprintln(w, value)
	}
	toggle := func(name string, enabled bool) {
		label.Fprintf(w, "  %-18s", name)
		if enabled {
			on.Fprintln(w, "on")
		} else {
			off.Fprintln(w, "off")
		}
	}

	row("listen", fmt.Sprintf(":%d", cfg.Port))
	row("model", cfg.ImageModel)
	row("database", cfg.DatabasePath)
	if cfg.ArchiveBucket != "" {
		row("archive", "s3://"+cfg.ArchiveBucket+"/"+cfg.ArchivePrefix)
	}
	toggle("candidate scoring", cfg.Pipeline.CandidateScoringEnabled)
	toggle("shadow pass", cfg.Pipeline.ShadowPassEnabled)
	toggle("edge polish", cfg.Pipeline.EdgePolishEnabled)
	fmt.Fprintln(w)
}

// printComposite writes the outcome of a ledger-free render.
func printComposite(w io.Writer, comp *render.Composite, out string) {
	ok := color.New(color.FgGreen, color.Bold)
	dim := color.New(color.FgHiBlack)

	ok.Fprintf(w, "wrote %s ", out)
	dim.Fprintf(w, "(%d bytes)\n", len(comp.Image))
	fmt.Fprintf(w, "  candidates:  %d (selected %d, %d upstream calls)\n", comp.Candidates, comp.Selected, comp.Calls)
	if comp.Metrics != nil {
		fmt.Fprintf(w, "  score:       %.3f\n", comp.Metrics.Score)
		fmt.Fprintf(w, "  rug area:    %.3f\n", comp.Metrics.RugAreaRatio)
	}
	fmt.Fprintf(w, "  fallback:    %t\n", comp.FallbackUsed)
	fmt.Fprintf(w, "  shadow:      %t\n", comp.ShadowApplied)
	fmt.Fprintf(w, "  edge polish: %t\n", comp.EdgePolished)
}
