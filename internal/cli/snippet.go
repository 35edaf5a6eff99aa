package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/davanti/abtrack/internal/snippets"
)

func init() {
	rootCmd.AddCommand(newSnippetCmd())
}

func newSnippetCmd() *cobra.Command {
	var (
		framework   string
		serverURL   string
		section     string
		whatsappURL string
	)

	cmd := &cobra.Command{
		Use:   "snippet",
		Short: "Generate integration code for the landing page",
		Long:  "Generate copy-paste-ready code that loads /ab.js and wires both call to action variants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				fw  snippets.Framework
				err error
			)
			if framework == "" {
				fw, err = promptFramework()
			} else {
				fw, err = snippets.ParseFramework(framework)
			}
			if err != nil {
				return err
			}

			url := serverURL
			if url == "" {
				if url, err = promptServerURL(); err != nil {
					return err
				}
			}

			files, err := snippets.Generate(fw, snippets.Config{
				ServerURL:   url,
				Section:     section,
				WhatsAppURL: whatsappURL,
			})
			if err != nil {
				return fmt.Errorf("failed to generate snippet: %w", err)
			}

			printSnippets(cmd.OutOrStdout(), files)
			return nil
		},
	}

	cmd.Flags().StringVarP(&framework, "framework", "f", "", "framework (html, nextjs, react, vue, svelte, laravel, django)")
	cmd.Flags().StringVarP(&serverURL, "server-url", "s", "", "server URL (e.g., https://track.davanti.example)")
	cmd.Flags().StringVar(&section, "section", snippets.DefaultSection, "section label for the call to action")
	cmd.Flags().StringVar(&whatsappURL, "whatsapp-url", snippets.DefaultWhatsAppURL, "WhatsApp link for the whatsapp variant")

	return cmd
}

func promptFramework() (snippets.Framework, error) {
	items := make([]string, len(snippets.Frameworks))
	for i, f := range snippets.Frameworks {
		items[i] = f.Label()
	}

	prompt := promptui.Select{
		Label: "Select framework",
		Items: items,
		Size:  len(items),
	}

	idx, _, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			os.Exit(0)
		}
		return "", err
	}

	return snippets.Frameworks[idx], nil
}

func promptServerURL() (string, error) {
	defaultURL := os.Getenv("ABTRACK_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	prompt := promptui.Prompt{
		Label:   "Server URL",
		Default: defaultURL,
	}

	result, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			os.Exit(0)
		}
		return "", err
	}

	return strings.TrimRight(result, "/"), nil
}

func printSnippets(w io.Writer, files []snippets.SnippetFile) {
	for i, file := range files {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, strings.Repeat("=", 62))
		fmt.Fprintf(w, " %s\n", file.Filename)
		fmt.Fprintln(w, strings.Repeat("=", 62))
		fmt.Fprintln(w)
		fmt.Fprintln(w, file.Content)
	}
}
