package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/livetemplate/pagecraft"
)

func newValidateCommand() *cobra.Command {
	var maxDepth int

	cmd := &cobra.Command{
		Use:   "validate <file.json|dir>...",
		Short: "Check page documents",
		Long: `Validate page documents without starting a server.

This command checks:
  - JSON syntax, with the offending line when it fails
  - Unique node ids
  - Children only under container kinds
  - Nesting depth against model.max_depth`,
		Example: `  # Validate every page in ./pages
  pagecraft validate ./pages

  # Validate one file with a stricter depth limit
  pagecraft validate --max-depth 8 pages/home.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-depth") {
				maxDepth = cfg.Model.MaxDepth
			}

			files, err := pageFiles(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no page files found")
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range files {
				doc, err := readPage(path, maxDepth)
				if err != nil {
					failed++
					reportInvalid(out, path, err)
					continue
				}
				count := 0
				pagecraft.Walk(doc, func(pagecraft.ComponentNode, int) bool {
					count++
					return true
				})
				fmt.Fprintf(out, "✓ %s (%d nodes)\n", path, count)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d page files are invalid", failed, len(files))
			}
			fmt.Fprintf(out, "\nAll %d page files are valid\n", len(files))
			return nil
		},
	}

	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "maximum nesting depth (default: model.max_depth)")

	return cmd
}

func reportInvalid(w io.Writer, path string, err error) {
	var decodeErr *pagecraft.DecodeError
	if errors.As(err, &decodeErr) {
		fmt.Fprintf(w, "✗ %s\n%s", path, indent(decodeErr.Format()))
		return
	}
	fmt.Fprintf(w, "✗ %s: %v\n", path, err)
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n") + "\n"
}

// readPage decodes and validates one page file. A document without a page id
// takes it from the file name.
func readPage(path string, maxDepth int) (*pagecraft.PageDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := pagecraft.DeserializeWith(data, pagecraft.ValidateOptions{MaxDepth: maxDepth})
	if err != nil {
		var decodeErr *pagecraft.DecodeError
		if errors.As(err, &decodeErr) {
			return nil, decodeErr.WithSource(path)
		}
		return nil, err
	}
	if doc.PageID == "" {
		doc.PageID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return doc, nil
}

// pageFiles expands directories to the .json files directly inside them.
func pageFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.json"))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	return files, nil
}
