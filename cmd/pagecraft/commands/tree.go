package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/livetemplate/pagecraft"
)

// maxPropWidth truncates long prop values in tree output
const maxPropWidth = 40

func newTreeCommand() *cobra.Command {
	var showProps bool

	cmd := &cobra.Command{
		Use:   "tree <file.json>",
		Short: "Print the component tree of a page",
		Example: `  pagecraft tree pages/home.json
  pagecraft tree --props=false pages/home.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readPage(args[0], 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			version := doc.Version.String()
			if version == "" {
				version = "unsaved"
			}
			fmt.Fprintf(out, "%s (version %s)\n", doc.PageID, version)
			if doc.IsEmpty() {
				fmt.Fprintln(out, "  (empty)")
				return nil
			}
			pagecraft.Walk(doc, func(n pagecraft.ComponentNode, depth int) bool {
				line := fmt.Sprintf("%s%s %s", strings.Repeat("  ", depth), n.Kind, n.ID)
				if !n.Kind.Known() {
					line += " (unknown kind)"
				}
				if showProps && len(n.Props) > 0 {
					line += " " + formatProps(n.Props)
				}
				fmt.Fprintln(out, line)
				return true
			})
			return nil
		},
	}

	cmd.Flags().BoolVar(&showProps, "props", true, "show node props")

	return cmd
}

func formatProps(p pagecraft.Props) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := json.Marshal(p[k])
		if err != nil {
			continue
		}
		s := string(v)
		if len(s) > maxPropWidth {
			s = s[:maxPropWidth-3] + "..."
		}
		parts = append(parts, k+"="+s)
	}
	return "{" + strings.Join(parts, " ") + "}"
}
