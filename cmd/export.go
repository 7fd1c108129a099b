// File: cmd/export.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/export"
)

func newExportCmd(a *app) *cobra.Command {
	var (
		obsType      string
		tag          string
		templateFile string
		output       string
	)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Render stored observables through a text template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			output, err := expandPath(output)
			if err != nil {
				return err
			}
			templateFile, err := expandPath(templateFile)
			if err != nil {
				return err
			}

			var tmpl string
			if templateFile != "" {
				raw, err := os.ReadFile(templateFile)
				if err != nil {
					return fmt.Errorf("failed to read template %s: %w", templateFile, err)
				}
				tmpl = string(raw)
			}

			components, err := a.components(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			out, err := components.Exporter.Export(ctx, export.Options{
				Type:       schemas.ObservableType(obsType),
				Tag:        tag,
				Template:   tmpl,
				OutputFile: output,
			})
			if err != nil {
				return err
			}
			if output == "" || output == "stdout" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), out)
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Export written to %s\n", out)
			return nil
		},
	}

	exportCmd.Flags().StringVarP(&obsType, "type", "t", string(schemas.ObservableIPv4), "observable type to export (ipv4, asn, hostname, url)")
	exportCmd.Flags().StringVar(&tag, "tag", "", "only export observables carrying this tag")
	exportCmd.Flags().StringVar(&templateFile, "template", "", "path to a text/template file (default: one value per line)")
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return exportCmd
}
