package main

import (
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/docqa/tui"
)

var chatImages string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat about the document in the terminal",
	Long: `Open an interactive chat about the document. Cited page images are
saved to --images when set.

Examples:
  docqa chat --doc Graphic.pdf --images ./figures`,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cfg, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()
		if err := requireDocument(engine, cfg); err != nil {
			return err
		}

		return tui.Run(cmd.Context(), engine, tui.Options{
			Title:    "docqa · " + engine.Document().Name,
			Greeting: cfg.Answer.Greeting,
			ImageDir: chatImages,
		})
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatImages, "images", "", "directory for cited page images")
	rootCmd.AddCommand(chatCmd)
}
