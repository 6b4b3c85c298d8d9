package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/qwer2003tw/unigate/internal/auth"
	"github.com/qwer2003tw/unigate/internal/config"
	"github.com/qwer2003tw/unigate/internal/identity"
	"github.com/qwer2003tw/unigate/internal/storage"
)

// buildUserCmd creates the "user" command group for browser accounts.
func buildUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage browser accounts",
	}
	cmd.AddCommand(
		buildUserCreateCmd(),
		buildUserListCmd(),
		buildUserResetPasswordCmd(),
		buildUserSetPasswordCmd(),
		buildUserSetRoleCmd(),
	)
	return cmd
}

func buildUserCreateCmd() *cobra.Command {
	var (
		configPath string
		role       string
	)
	cmd := &cobra.Command{
		Use:   "create <email>",
		Short: "Create an account with a one-time temporary password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(resolveConfigPath(configPath), func(ctx context.Context, svc *identity.Service) error {
				password, err := svc.CreateWebUser(ctx, args[0], storage.Role(role))
				if err != nil {
					return err
				}
				fmt.Printf("Created %s (%s)\n", strings.ToLower(args[0]), role)
				fmt.Printf("Temporary password: %s\n", password)
				fmt.Println("The user must change it on first login.")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&role, "role", "user", "Account role (user or admin)")
	return cmd
}

func buildUserListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(resolveConfigPath(configPath), func(ctx context.Context, svc *identity.Service) error {
				users, total, err := svc.ListWebUsers(ctx, 1000, 0)
				if err != nil {
					return err
				}
				for _, u := range users {
					state := "enabled"
					if !u.Enabled {
						state = "disabled"
					}
					fmt.Printf("%-40s %-6s %-8s created %s\n",
						u.Email, u.Role, state, u.CreatedAt.Format("2006-01-02"))
				}
				fmt.Printf("%d account(s)\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildUserResetPasswordCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "reset-password <email>",
		Short: "Issue a fresh temporary password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(resolveConfigPath(configPath), func(ctx context.Context, svc *identity.Service) error {
				password, err := svc.ResetWebUserPassword(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Temporary password for %s: %s\n", strings.ToLower(args[0]), password)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildUserSetPasswordCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "set-password <email>",
		Short: "Set a password interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptPassword()
			if err != nil {
				return err
			}
			return withIdentity(resolveConfigPath(configPath), func(ctx context.Context, svc *identity.Service) error {
				if err := svc.SetWebUserPassword(ctx, args[0], password); err != nil {
					return err
				}
				fmt.Printf("Password updated for %s\n", strings.ToLower(args[0]))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildUserSetRoleCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "set-role <email> <user|admin>",
		Short: "Change an account's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(resolveConfigPath(configPath), func(ctx context.Context, svc *identity.Service) error {
				if err := svc.SetWebUserRole(ctx, args[0], storage.Role(args[1])); err != nil {
					return err
				}
				fmt.Printf("%s is now %s\n", strings.ToLower(args[0]), args[1])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// promptPassword reads a password twice without echo.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "New password: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}

// withIdentity opens storage, runs fn against an identity service, and
// closes the stores.
func withIdentity(configPath string, fn func(context.Context, *identity.Service) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc := identity.NewService(identity.Options{
		Stores:     stores,
		JWT:        auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry),
		BcryptCost: cfg.Auth.BcryptCost,
		CodeTTL:    cfg.Binding.CodeTTL,
	})
	return fn(context.Background(), svc)
}
