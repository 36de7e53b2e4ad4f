package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"field-access-control/internal/access"
	"field-access-control/internal/app"
	"field-access-control/internal/domain"
	"field-access-control/internal/storage"

	"github.com/spf13/cobra"
)

const tableTime = "2006-01-02 15:04:05"

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Manage roles",
}

var roleCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a role",
	Long:  `Create a role with the given permissions. Roles cannot be edited afterwards.`,
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		perms, _ := cmd.Flags().GetStringSlice("perm")
		description, _ := cmd.Flags().GetString("description")

		role, err := a.Access.CreateRole(cmd.Context(), access.RoleSpec{
			Name:        args[0],
			Description: description,
			Permissions: perms,
		}, getActiveUser())
		if err != nil {
			return err
		}
		fmt.Printf("Role %s created with id %s\n", role.Name, role.RoleID)
		return nil
	}),
}

var roleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List roles",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		roles, err := a.Access.ListRoles(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ROLE ID\tNAME\tSYSTEM\tPERMISSIONS")
		for _, r := range roles {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", r.RoleID, r.Name, r.System, strings.Join(r.Permissions.Strings(), ","))
		}
		return w.Flush()
	}),
}

var roleSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the built-in roles that do not exist yet",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		n, err := a.Access.EnsureSystemRoles(cmd.Context(), getActiveUser())
		if err != nil {
			return err
		}
		fmt.Printf("%d system role(s) created\n", n)
		return nil
	}),
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage device groups",
}

// parseMeta turns k=v pairs into a map.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q: expected key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a device group",
	Long: `Create a device group. With --device the group is an explicit list of
devices; with --tag, --type or --meta it is a filter evaluated against the
registry on every authorization.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		flags := cmd.Flags()
		devices, _ := flags.GetStringSlice("device")
		tags, _ := flags.GetStringSlice("tag")
		types, _ := flags.GetStringSlice("type")
		pairs, _ := flags.GetStringSlice("meta")
		description, _ := flags.GetString("description")

		meta, err := parseMeta(pairs)
		if err != nil {
			return err
		}
		spec := access.GroupSpec{Name: args[0], Description: description, DeviceIDs: devices}
		if len(tags) > 0 || len(types) > 0 || len(meta) > 0 {
			spec.Filter = &domain.DeviceFilter{Tags: tags, DeviceTypes: types, Metadata: meta}
		}

		group, err := a.Access.CreateDeviceGroup(cmd.Context(), spec, getActiveUser())
		if err != nil {
			return err
		}
		fmt.Printf("Group %s (%s) created with id %s\n", group.Name, group.Kind, group.GroupID)
		return nil
	}),
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List device groups",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		groups, err := a.Access.ListDeviceGroups(cmd.Context())
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println("No device groups found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "GROUP ID\tNAME\tKIND\tDEVICES\tFILTER")
		for _, g := range groups {
			devices := strings.Join(g.DeviceIDs, ",")
			if devices == "" {
				devices = "-"
			}
			filter := "-"
			if g.Kind == domain.GroupFilter {
				var parts []string
				if len(g.Filter.Tags) > 0 {
					parts = append(parts, "tags="+strings.Join(g.Filter.Tags, "+"))
				}
				if len(g.Filter.DeviceTypes) > 0 {
					parts = append(parts, "types="+strings.Join(g.Filter.DeviceTypes, "+"))
				}
				if len(g.Filter.Metadata) > 0 {
					parts = append(parts, formatMetadata(g.Filter.Metadata))
				}
				filter = strings.Join(parts, " ")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", g.GroupID, g.Name, g.Kind, devices, filter)
		}
		return w.Flush()
	}),
}

var groupMembersCmd = &cobra.Command{
	Use:   "members <group>",
	Short: "List the devices currently in a group",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		ctx := cmd.Context()
		group, err := a.Access.ResolveGroup(ctx, args[0])
		if err != nil {
			return err
		}
		members, err := a.Access.ResolveDeviceGroupMembers(ctx, group.GroupID)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			fmt.Printf("Group %s has no members\n", group.Name)
			return nil
		}
		for _, id := range members {
			fmt.Println(id)
		}
		return nil
	}),
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage access policies",
	Long:  `An access policy grants the holders of a role a subset of its device permissions on a device group.`,
}

func parseTimeFlag(cmd *cobra.Command, name string) (*time.Time, error) {
	value, _ := cmd.Flags().GetString(name)
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return &t, nil
}

var policyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an access policy",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		group, _ := cmd.Flags().GetString("group")
		perms, _ := cmd.Flags().GetStringSlice("perm")
		from, err := parseTimeFlag(cmd, "from")
		if err != nil {
			return err
		}
		until, err := parseTimeFlag(cmd, "until")
		if err != nil {
			return err
		}

		policy, err := a.Access.CreatePolicy(cmd.Context(), access.PolicySpec{
			RoleID:      role,
			GroupID:     group,
			Permissions: perms,
			ValidFrom:   from,
			ValidUntil:  until,
		}, getActiveUser())
		if err != nil {
			return err
		}
		fmt.Printf("Policy %s created\n", policy.PolicyID)
		return nil
	}),
}

func window(p *domain.AccessPolicy) string {
	from, until := "-", "-"
	if p.ValidFrom != nil {
		from = p.ValidFrom.Format(tableTime)
	}
	if p.ValidUntil != nil {
		until = p.ValidUntil.Format(tableTime)
	}
	return from + " .. " + until
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List access policies",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		policies, err := a.Access.ListPolicies(cmd.Context())
		if err != nil {
			return err
		}
		if len(policies) == 0 {
			fmt.Println("No access policies found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "POLICY ID\tROLE ID\tGROUP ID\tPERMISSIONS\tWINDOW")
		for i := range policies {
			p := &policies[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				p.PolicyID, p.RoleID, p.GroupID, strings.Join(p.Permissions.Strings(), ","), window(p))
		}
		return w.Flush()
	}),
}

var policyDeleteCmd = &cobra.Command{
	Use:   "delete <policy_id>",
	Short: "Delete an access policy",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		if err := a.Access.DeletePolicy(cmd.Context(), args[0], getActiveUser()); err != nil {
			return err
		}
		fmt.Printf("Policy %s deleted\n", args[0])
		return nil
	}),
}

var rbacCmd = &cobra.Command{
	Use:   "rbac",
	Short: "Bulk RBAC configuration",
}

var rbacLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Apply a YAML seed file of roles, groups, policies and users",
	Long: `Apply a YAML seed file. Existing roles, groups and users are matched by
name and left alone, so the file can be applied repeatedly.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		res, err := a.Access.LoadSeedFile(cmd.Context(), args[0], getActiveUser())
		if err != nil {
			return err
		}
		fmt.Printf("Created %d role(s), %d group(s), %d policy(ies), %d user(s), %d grant(s)\n",
			res.Roles, res.Groups, res.Policies, res.Users, res.Grants)
		return nil
	}),
}

var authorizeCmd = &cobra.Command{
	Use:   "authorize <user> <device_id> <permission>",
	Short: "Check whether a user holds a permission on a device",
	Args:  cobra.ExactArgs(3),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		ctx := cmd.Context()
		perm, err := domain.ParsePermission(args[2])
		if err != nil {
			return err
		}
		user, err := a.Access.ResolveUser(ctx, args[0])
		if err != nil {
			return err
		}
		allowed, err := a.Access.Authorize(ctx, user.UserID, args[1], perm)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("DENY %s %s %s", user.Email, args[1], perm)
		}
		fmt.Printf("ALLOW %s %s %s\n", user.Email, args[1], perm)
		return nil
	}),
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		flags := cmd.Flags()
		entityType, _ := flags.GetString("entity-type")
		entityID, _ := flags.GetString("entity-id")
		limit, _ := flags.GetInt("limit")
		since, _ := flags.GetDuration("since")

		filter := storage.AuditFilter{EntityType: entityType, EntityID: entityID, Limit: limit}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}
		events, err := a.Store.ListAudit(cmd.Context(), filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tENTITY\tACTION\tACTOR\tTRANSITION\tDETAIL")
		for _, e := range events {
			transition := "-"
			if e.PriorStatus != "" || e.NewStatus != "" {
				transition = e.PriorStatus + " -> " + e.NewStatus
			}
			fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\t%s\n",
				e.At.Local().Format(tableTime), e.EntityType, e.EntityID, e.Action, e.Actor, transition, e.Detail)
		}
		return w.Flush()
	}),
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show registry counters",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		stats, err := a.Registry.Stats(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Active devices:\t%d\n", stats.ActiveDevices)
		fmt.Fprintf(w, "Online devices:\t%d\n", stats.OnlineDevices)
		fmt.Fprintf(w, "Revoked devices:\t%d\n", stats.RevokedDevices)
		fmt.Fprintf(w, "Pending enrollments:\t%d\n", stats.PendingEnrollments)
		fmt.Fprintf(w, "Active bootstrap keys:\t%d\n", stats.ActiveKeys)
		return w.Flush()
	}),
}

func init() {
	roleCreateCmd.Flags().StringSlice("perm", nil, "Permission to include (repeatable)")
	roleCreateCmd.Flags().String("description", "", "Role description")
	roleCmd.AddCommand(roleCreateCmd, roleListCmd, roleSeedCmd)

	groupCreateCmd.Flags().StringSlice("device", nil, "Device id of a static group (repeatable)")
	groupCreateCmd.Flags().StringSlice("tag", nil, "Tag every member must carry (repeatable)")
	groupCreateCmd.Flags().StringSlice("type", nil, "Accepted device_type metadata value (repeatable)")
	groupCreateCmd.Flags().StringSlice("meta", nil, "Metadata key=value every member must carry (repeatable)")
	groupCreateCmd.Flags().String("description", "", "Group description")
	groupCmd.AddCommand(groupCreateCmd, groupListCmd, groupMembersCmd)

	policyCreateCmd.Flags().String("role", "", "Role id or name")
	policyCreateCmd.Flags().String("group", "", "Device group id or name")
	policyCreateCmd.Flags().StringSlice("perm", nil, "Device permission to grant (repeatable)")
	policyCreateCmd.Flags().String("from", "", "Start of the validity window (RFC 3339)")
	policyCreateCmd.Flags().String("until", "", "End of the validity window (RFC 3339)")
	policyCreateCmd.MarkFlagRequired("role")
	policyCreateCmd.MarkFlagRequired("group")
	policyCmd.AddCommand(policyCreateCmd, policyListCmd, policyDeleteCmd)

	rbacCmd.AddCommand(rbacLoadCmd)

	auditCmd.Flags().String("entity-type", "", "Only events of this entity type (device, enrollment, key, connection, ...)")
	auditCmd.Flags().String("entity-id", "", "Only events of this entity")
	auditCmd.Flags().Int("limit", 50, "Maximum number of events")
	auditCmd.Flags().Duration("since", 0, "Only events newer than this, e.g. 24h")

	rootCmd.AddCommand(roleCmd, groupCmd, policyCmd, rbacCmd, authorizeCmd, auditCmd, statsCmd)
}
