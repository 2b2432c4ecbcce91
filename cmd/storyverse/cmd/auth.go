package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/storyverse/client"
	"github.com/jmcleod/storyverse/form"
	"github.com/jmcleod/storyverse/session"
)

var (
	authPhone    string
	authPassword string
	verifyCode   string
	whoamiJSON   bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with a phone number and password",
	Long: `Signs in and stores the session locally. Missing values are read from
standard input, one per line.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	Long: `Creates an account for a phone number. When the provider sends a
confirmation code, finish with "storyverse verify".`,
	Args: cobra.NoArgs,
	RunE: runRegister,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Confirm a phone number with the code sent by SMS",
	Args:  cobra.NoArgs,
	RunE:  runVerify,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the local session",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd, verifyCmd} {
		c.Flags().StringVar(&authPhone, "phone", "", "Phone number, local or international")
	}
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().StringVar(&authPassword, "password", "", "Password (read from stdin when omitted)")
	}
	verifyCmd.Flags().StringVar(&verifyCode, "code", "", "6-digit confirmation code")
	whoamiCmd.Flags().BoolVar(&whoamiJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(loginCmd, registerCmd, verifyCmd, logoutCmd, whoamiCmd)
}

// userError reduces err to the message a user should see.
func userError(err error) error {
	if errors.Is(err, client.ErrSessionExpired) || errors.Is(err, session.ErrNoSession) {
		return fmt.Errorf("%s: run \"storyverse login\" to sign in", client.Message(err))
	}
	return errors.New(client.Message(err))
}

// prompter reads missing values from a command's input.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(cmd *cobra.Command) *prompter {
	return &prompter{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.ErrOrStderr()}
}

// value returns v, or a line read from the input when v is empty.
func (p *prompter) value(v, label string) (string, error) {
	if v != "" {
		return v, nil
	}
	fmt.Fprintf(p.out, "%s: ", label)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireIdentity(); err != nil {
		return err
	}

	p := newPrompter(cmd)
	f := form.Login{}
	if f.Phone, err = p.value(authPhone, "Phone number"); err != nil {
		return err
	}
	if f.Password, err = p.value(authPassword, "Password"); err != nil {
		return err
	}
	if err := f.Validate(a.cfg.CountryCode); err != nil {
		return userError(err)
	}

	issued, err := a.identity.SignInWithPassword(cmd.Context(), f.Phone, f.Password)
	if err != nil {
		return userError(err)
	}
	if err := a.session.SetAuth(issued.User, issued.AccessToken); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", issued.User.Phone)
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireIdentity(); err != nil {
		return err
	}

	p := newPrompter(cmd)
	f := form.Register{}
	if f.Phone, err = p.value(authPhone, "Phone number"); err != nil {
		return err
	}
	if authPassword != "" {
		f.Password, f.ConfirmPassword = authPassword, authPassword
	} else {
		if f.Password, err = p.value("", "Password"); err != nil {
			return err
		}
		if f.ConfirmPassword, err = p.value("", "Confirm password"); err != nil {
			return err
		}
	}
	if err := f.Validate(a.cfg.CountryCode, a.cfg.Password.MinScore); err != nil {
		return userError(err)
	}

	res, err := a.identity.SignUp(cmd.Context(), f.Phone, f.Password)
	if err != nil {
		return userError(err)
	}
	out := cmd.OutOrStdout()
	if res.NeedsVerification() {
		fmt.Fprintf(out, "Account created. Enter the code sent to %s with:\n  storyverse verify --phone %s --code <code>\n", f.Phone, f.Phone)
		return nil
	}
	fmt.Fprintln(out, "Account created. Sign in with: storyverse login")
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireIdentity(); err != nil {
		return err
	}

	p := newPrompter(cmd)
	f := form.Verify{}
	if f.Phone, err = p.value(authPhone, "Phone number"); err != nil {
		return err
	}
	if f.Code, err = p.value(verifyCode, "Code"); err != nil {
		return err
	}
	if err := f.Validate(a.cfg.CountryCode); err != nil {
		return userError(err)
	}
	if _, err := a.identity.VerifyOTP(cmd.Context(), f.Phone, f.Code); err != nil {
		return userError(err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Phone verified. Sign in with: storyverse login")
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.session.IsAuthenticated() {
		fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
		return nil
	}
	a.session.Logout()
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
	return nil
}

type whoami struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Role      string    `json:"role,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Expired   bool      `json:"expired"`
}

func runWhoami(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	user := a.session.User()
	if user == nil {
		return userError(session.ErrNoSession)
	}
	w := whoami{ID: user.ID, Phone: user.Phone, Role: user.Role}
	// Claims are display-only; an opaque token simply has none.
	if claims, err := a.session.Claims(); err == nil {
		if w.Role == "" {
			w.Role = claims.Role
		}
		w.ExpiresAt = claims.ExpiresAt
		w.Expired = claims.Expired(time.Now())
	} else {
		a.logger.Debug("token carries no readable claims", "error", err)
	}

	out := cmd.OutOrStdout()
	if whoamiJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(w)
	}
	fmt.Fprintf(out, "Phone: %s\nID:    %s\n", w.Phone, w.ID)
	if w.Role != "" {
		fmt.Fprintf(out, "Role:  %s\n", w.Role)
	}
	if !w.ExpiresAt.IsZero() {
		state := "valid until"
		if w.Expired {
			state = "expired at"
		}
		fmt.Fprintf(out, "Token: %s %s\n", state, w.ExpiresAt.Local().Format(time.RFC1123))
	}
	return nil
}
