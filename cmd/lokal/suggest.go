package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lokalhq/lokal/internal/catalog"
	"github.com/lokalhq/lokal/internal/scoring"
)

func newSuggestCmd() *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "suggest <tag>",
		Short: "Check a user tag and suggest corrections",
		Long:  "Validates a tag and lists close matches from the synonym table and the catalog keywords.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if catalogPath == "" {
				catalogPath = cfg.Catalog.Path
			}
			var keywords []string
			if fileExists(catalogPath) {
				products, err := catalog.LoadFile(catalogPath)
				if err != nil {
					return err
				}
				for _, p := range products {
					keywords = append(keywords, p.Keywords...)
					keywords = append(keywords, p.Category, p.Brand)
				}
			}
			return runSuggest(cmd, args[0], scoring.Vocabulary(keywords))
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog JSON file to draw keywords from (defaults to catalog.path)")
	return cmd
}

func runSuggest(cmd *cobra.Command, tag string, vocabulary []string) error {
	out := cmd.OutOrStdout()
	valid, invalid := scoring.ValidateTags([]string{tag})
	switch {
	case len(invalid) > 0:
		fmt.Fprintf(out, "%q is not a usable tag: %s\n", tag, invalid[0].Reason)
	case len(valid) > 0:
		fmt.Fprintf(out, "Tag: %s\n", valid[0])
	}

	suggestions := scoring.SuggestTags(tag, vocabulary)
	if len(suggestions) == 0 {
		fmt.Fprintln(out, "No suggestions.")
		return nil
	}
	fmt.Fprintln(out, "Did you mean:")
	for _, s := range suggestions {
		fmt.Fprintf(out, "  %-20s %.2f\n", s.Tag, s.Similarity)
	}
	return nil
}
