package commands

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

//go:embed all:templates
var templatesFS embed.FS

// validTemplates lists all available template types
var validTemplates = []string{
	"storefront",
	"blank",
}

// templateDescriptions provides help text for each template
var templateDescriptions = map[string]string{
	"storefront": "Home page with a hero, product grid and story section",
	"blank":      "Empty home page and a minimal config",
}

func newNewCommand() *cobra.Command {
	var (
		templateName string
		showList     bool
	)

	cmd := &cobra.Command{
		Use:   "new <project-name>",
		Short: "Create a new page project",
		Long: `Create a directory with a pagecraft.yaml using the file store and a
pages/ directory holding a starter home page.`,
		Example: `  pagecraft new my-shop
  pagecraft new my-shop --template=blank
  pagecraft new --list`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if showList {
				fmt.Fprintln(out, "Available templates:")
				fmt.Fprintln(out)
				for _, t := range validTemplates {
					fmt.Fprintf(out, "  %-12s %s\n", t, templateDescriptions[t])
				}
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("project name required\n\nUsage: pagecraft new [options] <project-name>")
			}

			projectName := args[0]
			if !isValidTemplate(templateName) {
				return fmt.Errorf("unknown template: %s\n\nAvailable templates: %s", templateName, strings.Join(validTemplates, ", "))
			}
			if strings.TrimSpace(projectName) == "" {
				return fmt.Errorf("project name cannot be empty")
			}
			if strings.Contains(projectName, " ") {
				return fmt.Errorf("project name cannot contain spaces")
			}
			if _, err := os.Stat(projectName); !os.IsNotExist(err) {
				return fmt.Errorf("directory '%s' already exists", projectName)
			}

			if err := createProject(projectName, templateName); err != nil {
				return err
			}
			printSuccessMessage(out, projectName, templateName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&templateName, "template", "t", "storefront", "template type: "+strings.Join(validTemplates, ", "))
	cmd.Flags().BoolVar(&showList, "list", false, "list available templates")

	return cmd
}

// isValidTemplate checks if a template name is valid
func isValidTemplate(name string) bool {
	for _, t := range validTemplates {
		if t == name {
			return true
		}
	}
	return false
}

// createProject creates a new project from a template
func createProject(projectName, templateName string) error {
	data := map[string]string{
		"Title":       toTitle(projectName),
		"ProjectName": projectName,
	}

	templateDir := "templates/" + templateName
	var files []string
	err := fs.WalkDir(templatesFS, templateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read template directory: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("template '%s' has no files", templateName)
	}

	if err := os.MkdirAll(projectName, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	for _, templatePath := range files {
		if err := processTemplateFile(projectName, templateDir, templatePath, data); err != nil {
			os.RemoveAll(projectName)
			return err
		}
	}
	return nil
}

// processTemplateFile renders one template file into the project directory.
// Scaffolding variables use [[.Var]] so ${ENV} references in the config pass
// through untouched.
func processTemplateFile(projectName, templateDir, templatePath string, data map[string]string) error {
	content, err := templatesFS.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("failed to read template %s: %w", templatePath, err)
	}

	relativePath := strings.TrimPrefix(templatePath, templateDir+"/")
	outputPath := filepath.Join(projectName, filepath.FromSlash(relativePath))
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(outputPath), err)
	}

	tmpl, err := template.New(relativePath).Delims("[[", "]]").Parse(string(content))
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", templatePath, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("failed to execute template %s: %w", templatePath, err)
	}
	return os.WriteFile(outputPath, buf.Bytes(), 0644)
}

// toTitle converts a project name like "my-shop" to "My Shop"
func toTitle(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func printSuccessMessage(w io.Writer, projectName, templateName string) {
	fmt.Fprintf(w, "Created %s from the %s template\n\n", projectName, templateName)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintf(w, "  cd %s\n", projectName)
	fmt.Fprintln(w, "  pagecraft serve")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Then open http://localhost:8080/p/home or edit it at http://localhost:8080/builder/home/")
}
