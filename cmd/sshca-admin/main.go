package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/adamscao/sshca/internal/auth"
	"github.com/adamscao/sshca/internal/config"
	"github.com/adamscao/sshca/internal/db"
	"github.com/adamscao/sshca/internal/db/repository"
	"github.com/adamscao/sshca/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"golang.org/x/term"
)

var (
	configPath string
	cfg        *config.Config
	database   *bun.DB
)

var rootCmd = &cobra.Command{
	Use:           "sshca-admin",
	Short:         "SSH CA administration tool",
	Long:          "Administrative tool for managing SSH CA users, principals, hosts and serials directly in the database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initDB(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if database != nil {
			database.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/sshca/config.yaml", "Config file path")

	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(principalCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(hostCmd())
	rootCmd.AddCommand(serialCmd())
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func initDB(ctx context.Context) error {
	var err error
	cfg, err = config.LoadWithEnv(configPath)
	if err != nil {
		return err
	}

	database, err = db.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.RunMigrations(ctx, database); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}

	var email, password string
	var withPassword bool
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a new user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := &models.User{Username: args[0], Email: email, Active: true}
			if withPassword && password == "" {
				p, err := promptPassword()
				if err != nil {
					return err
				}
				password = p
			}
			if password != "" {
				hash, err := auth.HashPassword(password)
				if err != nil {
					return err
				}
				user.PasswordHash = hash
			}
			if err := repository.NewUserRepository(database).Create(cmd.Context(), user); err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			fmt.Printf("User created: id=%d username=%s\n", user.ID, user.Username)
			return nil
		},
	}
	create.Flags().StringVar(&email, "email", "", "Email address")
	create.Flags().StringVarP(&password, "password", "p", "", "Password (prompted when --with-password is set and this is empty)")
	create.Flags().BoolVar(&withPassword, "with-password", false, "Enable Basic auth for this user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List all users",
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := repository.NewUserRepository(database).List(cmd.Context())
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Println("No users found")
				return nil
			}
			fmt.Printf("%-5s %-20s %-8s %-6s %s\n", "ID", "Username", "Active", "TOTP", "Principals")
			fmt.Println(strings.Repeat("-", 72))
			for _, u := range users {
				fmt.Printf("%-5d %-20s %-8t %-6t %s\n", u.ID, u.Username, u.Active, u.HasTOTP(), strings.Join(u.Principals, ","))
			}
			return nil
		},
	}

	totp := &cobra.Command{
		Use:   "totp <username>",
		Short: "Enroll a new TOTP secret for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			users := repository.NewUserRepository(database)
			user, err := users.GetByUsername(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enrollment, err := auth.GenerateTOTP(user.Username)
			if err != nil {
				return err
			}
			user.TOTPSecret = enrollment.Secret
			if err := users.Update(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Printf("TOTP Secret: %s\n", enrollment.Secret)
			fmt.Printf("TOTP URL:    %s\n", enrollment.OTPAuthURL)
			return nil
		},
	}

	cmd.AddCommand(create, list, totp)
	return cmd
}

func principalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "principal", Short: "Manage principals"}

	create := &cobra.Command{
		Use:   "create <name>...",
		Short: "Create principals",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := repository.NewPrincipalRepository(database)
			for _, name := range args {
				if !models.PrincipalNamePattern.MatchString(name) {
					return fmt.Errorf("invalid principal name %q", name)
				}
				p := &models.Principal{Name: name}
				if err := repo.Create(cmd.Context(), p); err != nil {
					return err
				}
				fmt.Printf("Principal created: id=%d name=%s\n", p.ID, p.Name)
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all principals",
		RunE: func(cmd *cobra.Command, args []string) error {
			principals, err := repository.NewPrincipalRepository(database).List(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range principals {
				fmt.Printf("%-5d %s\n", p.ID, p.Name)
			}
			return nil
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func grantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "grant", Short: "Grant principals to users or hosts"}

	user := &cobra.Command{
		Use:   "user <username> <principal>...",
		Short: "Grant principals to a user",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			u, err := repository.NewUserRepository(database).GetByUsername(ctx, args[0])
			if err != nil {
				return err
			}
			ids, err := principalIDs(ctx, args[1:])
			if err != nil {
				return err
			}
			grants := repository.NewGrantRepository(database)
			for _, id := range ids {
				if err := grants.GrantUser(ctx, u.ID, id); err != nil {
					return err
				}
			}
			fmt.Printf("Granted %s to user %s\n", strings.Join(args[1:], ","), u.Username)
			return nil
		},
	}

	host := &cobra.Command{
		Use:   "host <hostname> <principal>...",
		Short: "Grant principals to a host",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := repository.NewHostRepository(database).GetByHostname(ctx, args[0])
			if err != nil {
				return err
			}
			ids, err := principalIDs(ctx, args[1:])
			if err != nil {
				return err
			}
			grants := repository.NewGrantRepository(database)
			for _, id := range ids {
				if err := grants.GrantHost(ctx, h.ID, id); err != nil {
					return err
				}
			}
			fmt.Printf("Granted %s to host %s\n", strings.Join(args[1:], ","), h.Hostname)
			return nil
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke user|host <name> <principal>...",
		Short: "Remove principal grants from a user or host",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := revokeGrants(cmd.Context(), args[0], args[1], args[2:]); err != nil {
				return err
			}
			fmt.Printf("Revoked %s from %s %s\n", strings.Join(args[2:], ","), args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(user, host, revoke)
	return cmd
}

// revokeGrants removes the named principals from a user or host grant set.
// Every name must currently be granted.
func revokeGrants(ctx context.Context, kind, owner string, names []string) error {
	ids, err := principalIDs(ctx, names)
	if err != nil {
		return err
	}

	return db.WithTx(ctx, database, func(ctx context.Context, tx bun.Tx) error {
		grants := repository.NewGrantRepository(tx)
		switch kind {
		case "user":
			u, err := repository.NewUserRepository(tx).GetByUsername(ctx, owner)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := grants.RevokeUser(ctx, u.ID, id); err != nil {
					return err
				}
			}
		case "host":
			h, err := repository.NewHostRepository(tx).GetByHostname(ctx, owner)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := grants.RevokeHost(ctx, h.ID, id); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown grant owner %q: want user or host", kind)
		}
		return nil
	})
}

func principalIDs(ctx context.Context, names []string) ([]int64, error) {
	repo := repository.NewPrincipalRepository(database)
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		p, err := repo.GetByName(ctx, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func hostCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "host", Short: "Manage hosts and their API tokens"}

	create := &cobra.Command{
		Use:   "create <hostname>",
		Short: "Create a host and print its API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := tokenManager()
			if err != nil {
				return err
			}
			hostname, err := normalizeHostname(args[0])
			if err != nil {
				return err
			}
			host, tok, err := tokens.CreateHost(cmd.Context(), hostname)
			if err != nil {
				return err
			}
			fmt.Printf("Host created: id=%d hostname=%s\n", host.ID, host.Hostname)
			fmt.Printf("\nAPI token (shown once): %s\n", tok.Plaintext)
			return nil
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate-token <hostname>",
		Short: "Replace a host's API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := repository.NewHostRepository(database).GetByHostname(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tokens, err := tokenManager()
			if err != nil {
				return err
			}
			tok, err := tokens.Rotate(cmd.Context(), host.ID)
			if err != nil {
				return err
			}
			fmt.Printf("API token for %s (shown once): %s\n", host.Hostname, tok.Plaintext)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, err := repository.NewHostRepository(database).List(cmd.Context())
			if err != nil {
				return err
			}
			for _, h := range hosts {
				fmt.Printf("%-5d %-30s %s\n", h.ID, h.Hostname, strings.Join(h.Principals, ","))
			}
			return nil
		},
	}

	cmd.AddCommand(create, rotate, list)
	return cmd
}

var validate = validator.New()

// normalizeHostname applies the same rules as the hosts API: an RFC 1123
// hostname of at most 255 characters, stored lowercase.
func normalizeHostname(name string) (string, error) {
	if err := validate.Var(name, "required,hostname_rfc1123,max=255"); err != nil {
		return "", fmt.Errorf("invalid hostname %q", name)
	}
	return strings.ToLower(name), nil
}

func tokenManager() (*auth.TokenManager, error) {
	return auth.NewTokenManager(database, repository.NewHostRepository(database), cfg.TokenPepperBytes())
}

func serialCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "serial", Short: "Inspect the certificate serial counter"}
	allocator := repository.NewSerialAllocator()

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the last allocated serial",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := allocator.Current(cmd.Context(), database)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Raise the counter above the highest ledgered serial",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := allocator.Reconcile(cmd.Context(), database)
			if err != nil {
				return err
			}
			fmt.Printf("Serial counter at %d\n", n)
			return nil
		},
	}

	cmd.AddCommand(show, reconcile)
	return cmd
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--password is required when stdin is not a terminal")
	}
	fmt.Print("Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	fmt.Print("Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}
