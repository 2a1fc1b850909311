package main

import (
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/spf13/cobra"
)

var indexImages string

// pageSummary is one page of the index report.
type pageSummary struct {
	Number   int  `json:"number" yaml:"number"`
	Chars    int  `json:"chars" yaml:"chars"`
	Images   int  `json:"images" yaml:"images"`
	Regions  int  `json:"regions" yaml:"regions"`
	Degraded bool `json:"degraded,omitempty" yaml:"degraded,omitempty"`
}

type indexSummary struct {
	Name  string        `json:"name" yaml:"name"`
	Hash  string        `json:"hash" yaml:"hash"`
	Pages []pageSummary `json:"pages" yaml:"pages"`
}

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index a PDF and print what was extracted per page",
	Long: `Index a PDF the way questions see it and print a per-page summary:
transcript length, detected figure regions and rendered images.

With a database configured (db_path) the index is stored, and later runs
restore it instead of rendering again.

Examples:
  docqa index Graphic.pdf
  docqa index Graphic.pdf -o json --images ./pages`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := cfg.DocumentPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no document: pass a path or set document_path")
		}
		// The engine loads the document itself; index it explicitly below
		// so failures are reported.
		cfg.DocumentPath = ""
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		idx, err := engine.LoadDocument(ctx, path)
		if err != nil {
			return err
		}

		summary := indexSummary{Name: idx.Name, Hash: idx.Hash}
		for _, p := range idx.Pages {
			summary.Pages = append(summary.Pages, pageSummary{
				Number:   p.Number,
				Chars:    utf8.RuneCountInString(p.Text),
				Images:   len(p.Images),
				Regions:  p.Regions,
				Degraded: p.Degraded,
			})
		}

		if indexImages != "" {
			if err := os.MkdirAll(indexImages, 0755); err != nil {
				return err
			}
			for _, p := range idx.Pages {
				for i, img := range p.Images {
					name := filepath.Join(indexImages, fmt.Sprintf("page-%d-%d.png", p.Number, i+1))
					if err := os.WriteFile(name, img, 0644); err != nil {
						return err
					}
				}
			}
		}

		format := outputFormat
		if format == "" || format == "text" {
			format = "yaml"
		}
		return outputTo(cmd.OutOrStdout(), format, summary)
	},
}

func init() {
	indexCmd.Flags().StringVar(&indexImages, "images", "", "directory to write every rendered image to")
	rootCmd.AddCommand(indexCmd)
}
