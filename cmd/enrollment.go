package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"field-access-control/internal/app"
	"field-access-control/internal/domain"

	"github.com/spf13/cobra"
)

var enrollmentCmd = &cobra.Command{
	Use:   "enrollment",
	Short: "Review device enrollment requests",
}

func formatMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

var enrollmentListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List enrollment requests",
	Long:  `List enrollment requests by status. Valid statuses: pending, approved, rejected, expired. Defaults to pending.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		status := domain.EnrollmentPending
		if len(args) > 0 {
			switch s := domain.EnrollmentStatus(strings.ToLower(args[0])); s {
			case domain.EnrollmentPending, domain.EnrollmentApproved, domain.EnrollmentRejected, domain.EnrollmentExpired:
				status = s
			default:
				return fmt.Errorf("invalid status %q: valid statuses are pending, approved, rejected, expired", args[0])
			}
		}

		reqs, err := a.Registry.ListEnrollments(cmd.Context(), status)
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			fmt.Printf("No %s enrollment requests found\n", status)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REQUEST ID\tFINGERPRINT\tKEY ID\tMETADATA\tCREATED AT\tEXPIRES AT\tDECIDED BY")
		for _, r := range reqs {
			decidedBy := r.DecidedBy
			if decidedBy == "" {
				decidedBy = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.RequestID,
				r.DeviceFingerprint,
				r.BootstrapKeyID,
				formatMetadata(r.DeclaredMetadata),
				r.CreatedAt.Format("2006-01-02 15:04:05"),
				r.ExpiresAt.Format("2006-01-02 15:04:05"),
				decidedBy,
			)
		}
		return w.Flush()
	}),
}

func decideCmd(use, short string, decision domain.Decision) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <request_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			approver := getActiveUser()
			device, err := a.Registry.DecideEnrollment(cmd.Context(), args[0], decision, approver)
			if err != nil {
				return err
			}
			if device != nil {
				fmt.Printf("Enrollment %s approved by %s, device %s is active\n", args[0], approver, device.DeviceID)
				return nil
			}
			fmt.Printf("Enrollment %s rejected by %s\n", args[0], approver)
			return nil
		}),
	}
}

func init() {
	enrollmentCmd.AddCommand(
		enrollmentListCmd,
		decideCmd("approve", "Approve a pending enrollment and create the device", domain.DecisionApprove),
		decideCmd("reject", "Reject a pending enrollment", domain.DecisionReject),
	)
	rootCmd.AddCommand(enrollmentCmd)
}
