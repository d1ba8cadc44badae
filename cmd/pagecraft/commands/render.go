package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/livetemplate/pagecraft/internal/render"
	"github.com/livetemplate/pagecraft/internal/telemetry"
)

func newRenderCommand() *cobra.Command {
	var (
		mode   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "render <file.json>",
		Short: "Render a page to HTML",
		Long: `Render a page document to an HTML fragment, the same markup the server
puts inside /p/{pageId}. Edit mode adds the builder's node wrappers.`,
		Example: `  pagecraft render pages/home.json > home.html
  pagecraft render --mode edit -o canvas.html pages/home.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var m render.Mode
			switch mode {
			case "preview":
				m = render.Preview
			case "edit":
				m = render.Edit
			default:
				return fmt.Errorf("unknown mode %q (want preview or edit)", mode)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, closer, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				Output: "stderr",
			})
			if err != nil {
				return err
			}
			defer closer.Close()

			doc, err := readPage(args[0], cfg.Model.MaxDepth)
			if err != nil {
				return err
			}

			renderer := render.New(render.WithLogger(telemetry.Component(logger, "render")))
			out, err := renderer.RenderDocument(doc, m, render.Flags{}, render.Callbacks{})
			if err != nil {
				return fmt.Errorf("render %s: %w", args[0], err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if _, err := io.WriteString(w, string(out.HTML)+"\n"); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "preview", "render mode: preview or edit")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")

	return cmd
}
