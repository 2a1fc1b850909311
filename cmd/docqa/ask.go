package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var askOut string

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask one question about the document",
	Long: `Ask one question and print the answer. The images of the cited page
are written to --out as page-<n>-<i>.png.

Examples:
  docqa ask --doc Graphic.pdf "What is the difference between RGB and CMYK?"
  docqa ask -o json "What is kerning?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		engine, cfg, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()
		if err := requireDocument(engine, cfg); err != nil {
			return err
		}

		question := strings.Join(args, " ")
		res, err := engine.Answer(ctx, engine.NewSession(), question)
		if err != nil {
			return err
		}

		var written []string
		if askOut != "" && len(res.Images) > 0 {
			if err := os.MkdirAll(askOut, 0755); err != nil {
				return err
			}
			for i, img := range res.Images {
				p := filepath.Join(askOut, fmt.Sprintf("page-%d-%d.png", res.Page, i+1))
				if err := os.WriteFile(p, img, 0644); err != nil {
					return fmt.Errorf("writing %s: %w", p, err)
				}
				written = append(written, p)
			}
		}

		out := cmd.OutOrStdout()
		if outputFormat != "" && outputFormat != "text" {
			resp := newAnswerResponse(res)
			if len(written) > 0 {
				resp.Images = written
			}
			return outputTo(out, outputFormat, resp)
		}

		fmt.Fprintln(out, res.Text)
		switch {
		case res.Page > 0:
			fmt.Fprintf(out, "\nCited page %d, %d image(s)\n", res.Page, len(res.Images))
		case res.CitationOutOfRange:
			fmt.Fprintln(out, "\nThe cited page is not in the document")
		}
		for _, p := range written {
			fmt.Fprintf(out, "  %s\n", p)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askOut, "out", "", "directory for the cited page images")
	rootCmd.AddCommand(askCmd)
}
