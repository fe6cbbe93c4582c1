package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/illmade-knight/go-querysync/pkg/query"
	"github.com/illmade-knight/go-querysync/pkg/storefront"
	"github.com/spf13/cobra"
)

func newProductsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "products [category]",
		Short: "List products through the cache",
		Args:  cobra.MaximumNArgs(1),
		Example: `  querysync products            # All products
  querysync products men        # One category
  querysync products --json     # Output as JSON`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var category string
			if len(args) == 1 {
				category = args[0]
			}
			products, err := a.storefront.Products(ctx, category, query.Options{})
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(products)
			}
			return printProducts(products)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printProducts(products []storefront.Product) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tPRICE\tSTOCK")
	for _, p := range products {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", p.ID, p.Name, p.Category, p.Price.StringFixed(2), p.Stock)
	}
	return w.Flush()
}
