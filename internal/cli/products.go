package cli

import (
	"fmt"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/martlane/storefront/internal/app/classify"
	"github.com/martlane/storefront/internal/app/pipeline"
	"github.com/martlane/storefront/internal/domain"
)

// productService serves the catalogue.
const productService = "product"

type product struct {
	domain.ProductRef
	Stock int `json:"stock"`
}

func init() {
	rootCmd.AddCommand(productsCmd)
	rootCmd.AddCommand(healthCmd)
}

func fetchProducts(cmd *cobra.Command, c *client) ([]product, error) {
	return pipeline.Send[[]product](cmd.Context(), c.sess.Pipeline, pipeline.Request{
		Method:   http.MethodGet,
		Service:  productService,
		Endpoint: "/api/products",
	})
}

// lookupProduct finds id in the catalogue. A failed lookup is not fatal:
// the cart service is the authority on what can be added.
func lookupProduct(cmd *cobra.Command, c *client, id string) (product, bool) {
	all, err := fetchProducts(cmd, c)
	if err != nil {
		logger.Debug("catalogue lookup failed", zap.Error(err))
		return product{}, false
	}
	for _, p := range all {
		if p.ID == id {
			return p, true
		}
	}
	return product{}, false
}

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "List the catalogue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		all, err := fetchProducts(cmd, c)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tUNIT\tPRICE\tSTOCK")
		for _, p := range all {
			price := money(p.UnitPrice)
			if p.OriginalPrice != nil && *p.OriginalPrice > p.UnitPrice {
				price += " (was " + money(*p.OriginalPrice) + ")"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", p.ID, p.Name, p.Unit, price, p.Stock)
		}
		return tw.Flush()
	},
}

// ─── health ─────────────────────────────────────────────────────────────────

type probe struct {
	service string
	took    time.Duration
	err     error
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every configured service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		names := make([]string, 0, len(cfg.API.Services))
		for name := range cfg.API.Services {
			names = append(names, name)
		}
		sort.Strings(names)

		results := make([]probe, len(names))
		g, ctx := errgroup.WithContext(cmd.Context())
		g.SetLimit(4)
		for i, name := range names {
			i, name := i, name
			g.Go(func() error {
				start := time.Now()
				err := c.sess.Pipeline.Do(ctx, pipeline.Request{
					Method:   http.MethodGet,
					Service:  name,
					Endpoint: "/health",
					Raw:      true,
				}, nil)
				results[i] = probe{service: name, took: time.Since(start), err: err}
				return nil
			})
		}
		_ = g.Wait()

		down := 0
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SERVICE\tSTATUS\tLATENCY")
		for _, r := range results {
			status := "up"
			if r.err != nil {
				down++
				status = string(classify.KindOf(r.err))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.service, status, r.took.Round(time.Millisecond))
		}
		tw.Flush()
		if down > 0 {
			return fmt.Errorf("%d of %d services unhealthy", down, len(results))
		}
		return nil
	},
}
