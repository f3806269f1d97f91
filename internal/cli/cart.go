package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/martlane/storefront/internal/domain"
)

func init() {
	rootCmd.AddCommand(cartCmd)
	cartCmd.AddCommand(cartShowCmd)
	cartCmd.AddCommand(cartAddCmd)
	cartCmd.AddCommand(cartSetCmd)
	cartCmd.AddCommand(cartRemoveCmd)
	cartCmd.AddCommand(cartClearCmd)
	cartCmd.AddCommand(cartCouponCmd)
	cartCmd.AddCommand(cartRemoveCouponCmd)
	cartCmd.AddCommand(cartValidateCmd)
	cartCmd.AddCommand(cartCountCmd)
}

var cartCmd = &cobra.Command{
	Use:   "cart",
	Short: "Show and change the cart",
	Long: `Show and change the cart of the current identity. Signed out, the cart
belongs to the guest session and moves into the account at the next login.

Products and lines may be named by product id (p-rice) or by line id.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cartShowCmd.RunE(cmd, args)
	},
}

// cartRun opens the client, runs fn, and prints the resulting summary.
func cartRun(fn func(cmd *cobra.Command, c *client, args []string) (domain.CartSummary, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		s, err := fn(cmd, c, args)
		if err != nil {
			return err
		}
		printCart(cmd.OutOrStdout(), s)
		return nil
	}
}

var cartShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the cart",
	Args:  cobra.NoArgs,
	RunE: cartRun(func(cmd *cobra.Command, c *client, _ []string) (domain.CartSummary, error) {
		return c.cart.Load(cmd.Context())
	}),
}

var cartAddCmd = &cobra.Command{
	Use:   "add PRODUCT_ID [QUANTITY]",
	Short: "Add a product",
	Args:  cobra.RangeArgs(1, 2),
	RunE: cartRun(func(cmd *cobra.Command, c *client, args []string) (domain.CartSummary, error) {
		ctx := cmd.Context()
		qty := 1
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return domain.CartSummary{}, fmt.Errorf("quantity %q is not a number", args[1])
			}
			qty = n
		}
		if _, err := c.cart.Load(ctx); err != nil {
			return domain.CartSummary{}, err
		}
		ref := domain.ProductRef{ID: args[0]}
		if p, ok := lookupProduct(cmd, c, args[0]); ok {
			ref = p.ProductRef
		}
		return c.cart.Add(ctx, ref, qty)
	}),
}

var cartSetCmd = &cobra.Command{
	Use:   "set LINE_OR_PRODUCT QUANTITY",
	Short: "Set a line's quantity (0 removes it)",
	Args:  cobra.ExactArgs(2),
	RunE: cartRun(func(cmd *cobra.Command, c *client, args []string) (domain.CartSummary, error) {
		qty, err := strconv.Atoi(args[1])
		if err != nil {
			return domain.CartSummary{}, fmt.Errorf("quantity %q is not a number", args[1])
		}
		lineID, err := resolveLine(cmd, c, args[0])
		if err != nil {
			return domain.CartSummary{}, err
		}
		return c.cart.SetQuantity(cmd.Context(), lineID, qty)
	}),
}

var cartRemoveCmd = &cobra.Command{
	Use:     "remove LINE_OR_PRODUCT",
	Aliases: []string{"rm"},
	Short:   "Remove a line",
	Args:    cobra.ExactArgs(1),
	RunE: cartRun(func(cmd *cobra.Command, c *client, args []string) (domain.CartSummary, error) {
		lineID, err := resolveLine(cmd, c, args[0])
		if err != nil {
			return domain.CartSummary{}, err
		}
		return c.cart.Remove(cmd.Context(), lineID)
	}),
}

var cartClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the cart",
	Args:  cobra.NoArgs,
	RunE: cartRun(func(cmd *cobra.Command, c *client, _ []string) (domain.CartSummary, error) {
		if _, err := c.cart.Load(cmd.Context()); err != nil {
			return domain.CartSummary{}, err
		}
		return c.cart.Clear(cmd.Context())
	}),
}

var cartCouponCmd = &cobra.Command{
	Use:   "coupon CODE",
	Short: "Apply a coupon",
	Args:  cobra.ExactArgs(1),
	RunE: cartRun(func(cmd *cobra.Command, c *client, args []string) (domain.CartSummary, error) {
		return c.cart.ApplyCoupon(cmd.Context(), args[0])
	}),
}

var cartRemoveCouponCmd = &cobra.Command{
	Use:   "remove-coupon",
	Short: "Drop the applied coupon",
	Args:  cobra.NoArgs,
	RunE: cartRun(func(cmd *cobra.Command, c *client, _ []string) (domain.CartSummary, error) {
		return c.cart.RemoveCoupon(cmd.Context())
	}),
}

var cartValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Re-check stock and prices",
	Args:  cobra.NoArgs,
	RunE: cartRun(func(cmd *cobra.Command, c *client, _ []string) (domain.CartSummary, error) {
		return c.cart.Validate(cmd.Context())
	}),
}

var cartCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of items in the cart",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()
		fmt.Fprintln(cmd.OutOrStdout(), c.cart.Count(cmd.Context()))
		return nil
	},
}

// resolveLine loads the cart and maps a product id or line id to a line id.
func resolveLine(cmd *cobra.Command, c *client, ref string) (string, error) {
	s, err := c.cart.Load(cmd.Context())
	if err != nil {
		return "", err
	}
	if i := s.LineIndex(ref); i >= 0 {
		return ref, nil
	}
	if i := s.ProductIndex(ref); i >= 0 {
		return s.Lines[i].LineID, nil
	}
	return "", fmt.Errorf("%s: %w", ref, domain.ErrLineNotFound)
}

func printCart(w io.Writer, s domain.CartSummary) {
	if len(s.Lines) == 0 {
		fmt.Fprintln(w, "Cart is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tPRODUCT\tPRICE\tQTY\tTOTAL")
	for _, l := range s.Lines {
		name := l.Product.Name
		if name == "" {
			name = l.Product.ID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", l.LineID, name, money(l.UnitPrice), l.SelectedQuantity, money(l.LineTotal))
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d line(s), %d item(s)\n", s.LineCount, s.TotalQuantity)
	fmt.Fprintf(w, "Subtotal  %s\n", money(s.Subtotal))
	if s.DeliveryCharge > 0 {
		fmt.Fprintf(w, "Delivery  %s\n", money(s.DeliveryCharge))
	} else {
		fmt.Fprintln(w, "Delivery  free")
	}
	if s.Discount > 0 {
		fmt.Fprintf(w, "Discount  -%s\n", money(s.Discount))
	}
	fmt.Fprintf(w, "Total     %s\n", money(s.GrandTotal))
	for _, msg := range s.ValidationMessages {
		fmt.Fprintf(w, "  ! %s\n", msg)
	}
}

func money(v float64) string {
	return "₹" + strconv.FormatFloat(v, 'f', 2, 64)
}
