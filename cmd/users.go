package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"field-access-control/internal/access"
	"field-access-control/internal/app"
	"field-access-control/internal/jwt"

	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:     "user",
	Aliases: []string{"users"},
	Short:   "Manage operator accounts and their roles",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <email>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		admin, _ := cmd.Flags().GetBool("admin")
		roles, _ := cmd.Flags().GetStringSlice("role")

		user, err := a.Access.CreateUser(cmd.Context(), access.UserSpec{
			Email:       args[0],
			DisplayName: name,
			Admin:       admin,
			Roles:       roles,
		}, getActiveUser())
		if err != nil {
			return err
		}
		fmt.Printf("User %s created with id %s\n", user.Email, user.UserID)
		return nil
	}),
}

var listUsersCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users with their roles and status",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		ctx := cmd.Context()
		users, err := a.Access.ListUsers(ctx)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users found")
			return nil
		}

		roles, err := a.Access.ListRoles(ctx)
		if err != nil {
			return err
		}
		roleNames := make(map[string]string, len(roles))
		for _, r := range roles {
			roleNames[r.RoleID] = r.Name
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "USER ID\tEMAIL\tSTATUS\tADMIN\tROLES")
		for _, u := range users {
			status := "Inactive"
			if u.Active {
				status = "Active"
			}
			names := make([]string, 0, len(u.Roles))
			for _, id := range u.Roles {
				if name, ok := roleNames[id]; ok {
					id = name
				}
				names = append(names, id)
			}
			rolesStr := strings.Join(names, ", ")
			if rolesStr == "" {
				rolesStr = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", u.UserID, u.Email, status, u.IsAdmin, rolesStr)
		}
		w.Flush()
		fmt.Printf("\nTotal users: %d\n", len(users))
		return nil
	}),
}

var userGrantCmd = &cobra.Command{
	Use:   "grant <user> <role>",
	Short: "Grant a role to a user",
	Long:  `Grant a role to a user. The user is an id or e-mail address, the role an id or name.`,
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		ctx := cmd.Context()
		user, err := a.Access.ResolveUser(ctx, args[0])
		if err != nil {
			return err
		}
		if err := a.Access.GrantRole(ctx, user.UserID, args[1], getActiveUser()); err != nil {
			return err
		}
		fmt.Printf("Role %s granted to %s\n", args[1], user.Email)
		return nil
	}),
}

var userRevokeCmd = &cobra.Command{
	Use:   "revoke <user> <role>",
	Short: "Revoke a role from a user",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		ctx := cmd.Context()
		user, err := a.Access.ResolveUser(ctx, args[0])
		if err != nil {
			return err
		}
		if err := a.Access.RevokeRole(ctx, user.UserID, args[1], getActiveUser()); err != nil {
			return err
		}
		fmt.Printf("Role %s revoked from %s\n", args[1], user.Email)
		return nil
	}),
}

var userDisableCmd = &cobra.Command{
	Use:   "disable <user>",
	Short: "Disable a user; existing tokens stop working",
	Args:  cobra.ExactArgs(1),
	RunE:  setActive(false),
}

var userEnableCmd = &cobra.Command{
	Use:   "enable <user>",
	Short: "Enable a disabled user",
	Args:  cobra.ExactArgs(1),
	RunE:  setActive(true),
}

func setActive(active bool) func(*cobra.Command, []string) error {
	return withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		ctx := cmd.Context()
		user, err := a.Access.ResolveUser(ctx, args[0])
		if err != nil {
			return err
		}
		if err := a.Access.SetUserActive(ctx, user.UserID, active, getActiveUser()); err != nil {
			return err
		}
		fmt.Printf("User %s active: %t\n", user.Email, active)
		return nil
	})
}

var userTokenCmd = &cobra.Command{
	Use:   "token <user>",
	Short: "Print an access token for automation",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL
		}
		user, err := a.Access.ResolveUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !user.Active {
			return fmt.Errorf("user %s is disabled", user.Email)
		}
		token, err := jwt.NewIssuer(cfg.Secret, a.Nonces).NewAccessToken(user, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}),
}

var userImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import users from a CSV roster",
	Long: `Import users from a CSV or TSV roster export with at least an e-mail
column. Rows may name roles in a role column; --role adds default roles.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		roles, _ := cmd.Flags().GetStringSlice("role")
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		res, err := a.Access.ImportUsersCSV(cmd.Context(), f, roles, getActiveUser())
		if err != nil {
			return err
		}
		fmt.Printf("Created %d, granted %d role(s), skipped %d\n", res.Created, res.Granted, res.Skipped)
		for _, rowErr := range res.Errors {
			fmt.Fprintf(os.Stderr, "line %d: %s\n", rowErr.Line, rowErr.Message)
		}
		return nil
	}),
}

func init() {
	userCreateCmd.Flags().String("name", "", "Display name")
	userCreateCmd.Flags().Bool("admin", false, "Grant every administrative permission")
	userCreateCmd.Flags().StringSlice("role", nil, "Role id or name to grant (repeatable)")
	userTokenCmd.Flags().Duration("ttl", time.Duration(0), "Token lifetime (defaults to auth.token_ttl)")
	userImportCmd.Flags().StringSlice("role", nil, "Default role for imported users (repeatable)")

	usersCmd.AddCommand(userCreateCmd, listUsersCmd, userGrantCmd, userRevokeCmd,
		userDisableCmd, userEnableCmd, userTokenCmd, userImportCmd)
	rootCmd.AddCommand(usersCmd)
}
