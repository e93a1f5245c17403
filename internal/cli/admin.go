package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"attest-backend/internal/handlers"
)

// NewAdminCommand groups the operator helpers for admin access.
func NewAdminCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin credential helpers",
	}
	cmd.AddCommand(newHashPasswordCommand())
	cmd.AddCommand(newTOTPSecretCommand())
	cmd.AddCommand(newTokenCommand(rootOpts))
	return cmd
}

func newHashPasswordCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for admin.passwordHash",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
			hash, err := hashPassword(password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func hashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newTOTPSecretCommand() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "totp-secret",
		Short: "Generate a TOTP secret for admin.totpSecret",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := totp.Generate(totp.GenerateOpts{
				Issuer:      "Attest Admin",
				AccountName: account,
				Period:      30,
				Digits:      otp.DigitsSix,
				Algorithm:   otp.AlgorithmSHA1,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"secret": key.Secret(),
				"url":    key.URL(),
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "admin", "account name shown in the authenticator app")
	return cmd
}

func newTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an admin bearer token with the configured JWT secret",
		Long: `Sign an admin token without the password and TOTP login, for
automation that calls the admin endpoints. Requires admin.jwtSecret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if username == "" {
				username = cfg.Admin.Username
			}
			h := handlers.NewAdminAuthHandler(cfg.Admin, logger)
			token, expiresAt, err := h.GenerateToken(username)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"token":     token,
				"expiresAt": expiresAt.UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "token subject (default admin.username)")
	return cmd
}
