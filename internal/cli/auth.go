package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martlane/storefront/internal/app/session"
	"github.com/martlane/storefront/internal/domain"
)

// passwordEnv supplies the password when --password is omitted.
const passwordEnv = "MART_PASSWORD"

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(forgetCmd)

	loginCmd.Flags().StringP("email", "e", "", "Account email")
	loginCmd.Flags().StringP("password", "p", "", "Account password (or $"+passwordEnv+")")
	loginCmd.Flags().Bool("discard-guest-cart", false, "Leave the guest cart behind instead of moving it into the account")
	_ = loginCmd.MarkFlagRequired("email")

	registerCmd.Flags().String("name", "", "Display name")
	registerCmd.Flags().StringP("email", "e", "", "Account email")
	registerCmd.Flags().StringP("password", "p", "", "Account password (or $"+passwordEnv+")")
	registerCmd.Flags().String("phone", "", "Phone number")
	_ = registerCmd.MarkFlagRequired("email")
	_ = registerCmd.MarkFlagRequired("name")
}

func password(cmd *cobra.Command) (string, error) {
	pw, _ := cmd.Flags().GetString("password")
	if pw == "" {
		pw = os.Getenv(passwordEnv)
	}
	if pw == "" {
		return "", fmt.Errorf("a password is required: pass --password or set $%s", passwordEnv)
	}
	return pw, nil
}

// ─── login ──────────────────────────────────────────────────────────────────

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and move the guest cart into the account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		discard, _ := cmd.Flags().GetBool("discard-guest-cart")
		pw, err := password(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		who, err := c.sess.Login(ctx, email, pw)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", displayName(who), who.Email)
		return settleCart(cmd, c, who, discard)
	},
}

// ─── register ───────────────────────────────────────────────────────────────

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and sign in",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var in session.RegisterInput
		in.Name, _ = cmd.Flags().GetString("name")
		in.Email, _ = cmd.Flags().GetString("email")
		in.Phone, _ = cmd.Flags().GetString("phone")
		pw, err := password(cmd)
		if err != nil {
			return err
		}
		in.Password = pw

		ctx := cmd.Context()
		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		who, err := c.sess.Register(ctx, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Welcome, %s\n", displayName(who))
		return settleCart(cmd, c, who, false)
	},
}

// settleCart moves the guest cart into who's cart and prints the result.
// A failed move leaves the guest session in place; any later cart command
// retries it.
func settleCart(cmd *cobra.Command, c *client, who domain.Identity, discard bool) error {
	ctx := cmd.Context()
	if discard {
		if err := c.sess.Guest.Clear(); err != nil {
			return fmt.Errorf("drop guest session: %w", err)
		}
		_, err := c.cart.Load(ctx)
		return err
	}
	s, err := c.cart.MigrateGuestCart(ctx, who)
	if err != nil {
		logger.Warn("guest cart not moved yet; the next cart command retries", zap.Error(err))
		fmt.Fprintln(cmd.OutOrStdout(), "Guest cart not moved yet; it will be retried")
		return nil
	}
	if len(s.Lines) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Cart: %d item(s), %s\n", s.TotalQuantity, money(s.GrandTotal))
	}
	return nil
}

// ─── logout ─────────────────────────────────────────────────────────────────

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and start a new guest session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		if !c.sess.Authenticated().Value() {
			fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
			return nil
		}
		if err := c.sess.Logout(ctx); err != nil {
			return err
		}
		c.cart.Reset()
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
		return nil
	},
}

// ─── whoami ─────────────────────────────────────────────────────────────────

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the current identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		who := c.sess.Current()
		if who.IsGuest {
			fmt.Fprintf(out, "Guest (session %s)\n", who.SessionID)
			return nil
		}
		fmt.Fprintf(out, "%s\n", displayName(who))
		fmt.Fprintf(out, "  id:     %s\n", who.ID)
		if who.Email != "" {
			fmt.Fprintf(out, "  email:  %s\n", who.Email)
		}
		if cred := c.sess.Store.Get(); cred != nil && cred.ExpiresAt != nil {
			fmt.Fprintf(out, "  token:  expires %s\n", cred.ExpiresAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

// ─── forget ─────────────────────────────────────────────────────────────────

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "End the browsing session: drop the guest cart session and correlation id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.db.EndSession(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Session state cleared")
		return nil
	},
}

func displayName(who domain.Identity) string {
	if name := strings.TrimSpace(who.DisplayName); name != "" {
		return name
	}
	return who.ID
}
