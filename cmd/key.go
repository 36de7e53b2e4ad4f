package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"field-access-control/internal/app"
	"field-access-control/internal/domain"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

const qrImageSize = 512

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage bootstrap keys",
	Long:  `Issue, list and revoke the bootstrap keys devices present when they request enrollment.`,
}

// keyHandoff is what a technician scans into a device during installation.
type keyHandoff struct {
	Server    string `json:"server,omitempty"`
	KeySecret string `json:"key_secret"`
}

var keyIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a new bootstrap key",
	Long: `Issue a bootstrap key. The secret is printed once and cannot be
recovered. Use --qr to also write it as a QR code PNG for hand-off.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()
		reusable, _ := flags.GetBool("reusable")
		maxUses, _ := flags.GetInt("max-uses")
		ttl, _ := flags.GetDuration("ttl")
		tags, _ := flags.GetStringSlice("tag")
		qrFile, _ := flags.GetString("qr")

		c := domain.KeyConstraints{Reusable: reusable, Tags: tags}
		if maxUses > 0 {
			c.MaxUses = &maxUses
		}
		if ttl > 0 {
			expires := time.Now().Add(ttl)
			c.ExpiresAt = &expires
		}

		key, err := a.Registry.IssueBootstrapKey(ctx, c, getActiveUser())
		if err != nil {
			return err
		}

		fmt.Printf("Key ID:  %s\n", key.KeyID)
		fmt.Printf("Secret:  %s\n", key.Secret)
		if key.ExpiresAt != nil {
			fmt.Printf("Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
		}
		if limit, ok := key.UseLimit(); ok {
			fmt.Printf("Uses:    %d\n", limit)
		}
		fmt.Println("Store the secret now; it is not shown again.")

		if qrFile != "" {
			payload, err := json.Marshal(keyHandoff{Server: cfg.BaseURL, KeySecret: key.Secret})
			if err != nil {
				return err
			}
			if err := qrcode.WriteFile(string(payload), qrcode.Medium, qrImageSize, qrFile); err != nil {
				return fmt.Errorf("failed to write QR code: %w", err)
			}
			fmt.Printf("QR code written to %s\n", qrFile)
		}
		return nil
	}),
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bootstrap keys",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		ctx := cmd.Context()
		keys, err := a.Registry.ListBootstrapKeys(ctx)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No bootstrap keys found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY ID\tSTATUS\tUSES\tEXPIRES\tTAGS\tISSUER")
		for _, key := range keys {
			uses := fmt.Sprintf("%d", key.UseCount)
			if limit, ok := key.UseLimit(); ok {
				uses = fmt.Sprintf("%d/%d", key.UseCount, limit)
			}
			expires := "-"
			if key.ExpiresAt != nil {
				expires = key.ExpiresAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				key.KeyID, key.Status, uses, expires, strings.Join(key.Tags, ","), key.Issuer)
		}
		return w.Flush()
	}),
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <key_id>",
	Short: "Revoke a bootstrap key",
	Long:  `Revoke a key so no further enrollment can be requested or approved with it. Enrolled devices are unaffected.`,
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		ctx := cmd.Context()
		if err := a.Registry.RevokeBootstrapKey(ctx, args[0], getActiveUser()); err != nil {
			return err
		}
		fmt.Printf("Key %s revoked\n", args[0])
		return nil
	}),
}

func init() {
	keyIssueCmd.Flags().Bool("reusable", false, "Allow more than one enrollment with the key")
	keyIssueCmd.Flags().Int("max-uses", 0, "Limit approved enrollments of a reusable key (0 is unlimited)")
	keyIssueCmd.Flags().Duration("ttl", 0, "Key lifetime, e.g. 72h (0 never expires)")
	keyIssueCmd.Flags().StringSlice("tag", nil, "Tag copied onto devices enrolled with the key (repeatable)")
	keyIssueCmd.Flags().String("qr", "", "Write the key hand-off as a QR code PNG to this file")

	keyCmd.AddCommand(keyIssueCmd, keyListCmd, keyRevokeCmd)
	rootCmd.AddCommand(keyCmd)
}
