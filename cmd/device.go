package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"field-access-control/internal/app"
	"field-access-control/internal/domain"

	"github.com/spf13/cobra"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage enrolled devices",
	Long:  `List, inspect, revoke and retag enrolled devices.`,
}

func parseDeviceStatus(value string) (domain.DeviceStatus, error) {
	switch s := domain.DeviceStatus(strings.ToLower(value)); s {
	case "", "all":
		return "", nil
	case domain.DeviceStatusActive, domain.DeviceStatusRevoked:
		return s, nil
	default:
		return "", fmt.Errorf("invalid status %q: valid statuses are active, revoked, all", value)
	}
}

func lastSeen(d *domain.DeviceView) string {
	if d.LastSeenAt == nil {
		return "never"
	}
	return d.LastSeenAt.Format("2006-01-02 15:04:05")
}

var deviceListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List devices",
	Long:  `List devices by status. Valid statuses: active, revoked, all. Defaults to all.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		var status domain.DeviceStatus
		if len(args) > 0 {
			var err error
			if status, err = parseDeviceStatus(args[0]); err != nil {
				return err
			}
		}

		devices, err := a.Registry.ListDevices(cmd.Context(), status)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No devices found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE ID\tSTATUS\tONLINE\tLAST SEEN\tENDPOINT\tTAGS")
		for i := range devices {
			d := &devices[i]
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
				d.DeviceID, d.Status, d.Online, lastSeen(d), d.EndpointHint, strings.Join(d.Tags, ","))
		}
		return w.Flush()
	}),
}

var deviceShowCmd = &cobra.Command{
	Use:   "show <device_id>",
	Short: "Show a device",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		d, err := a.Registry.GetDevice(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Device ID:\t%s\n", d.DeviceID)
		fmt.Fprintf(w, "Fingerprint:\t%s\n", d.Fingerprint)
		fmt.Fprintf(w, "Status:\t%s\n", d.Status)
		fmt.Fprintf(w, "Online:\t%t\n", d.Online)
		fmt.Fprintf(w, "Last seen:\t%s\n", lastSeen(d))
		fmt.Fprintf(w, "Endpoint:\t%s\n", d.EndpointHint)
		fmt.Fprintf(w, "Tags:\t%s\n", strings.Join(d.Tags, ","))
		fmt.Fprintf(w, "Metadata:\t%s\n", formatMetadata(d.Metadata))
		fmt.Fprintf(w, "Enrolled:\t%s\n", d.EnrolledAt.Format(time.RFC3339))
		if d.RevokedAt != nil {
			fmt.Fprintf(w, "Revoked:\t%s\n", d.RevokedAt.Format(time.RFC3339))
		}
		return w.Flush()
	}),
}

var deviceRevokeCmd = &cobra.Command{
	Use:   "revoke <device_id>",
	Short: "Revoke a device",
	Long:  `Revoke a device. Its credential stops working and its pending connection requests are denied. This cannot be undone.`,
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		by := getActiveUser()
		if err := a.Registry.RevokeDevice(cmd.Context(), args[0], by); err != nil {
			return err
		}
		fmt.Printf("Device %s revoked by %s\n", args[0], by)
		return nil
	}),
}

var deviceTagCmd = &cobra.Command{
	Use:   "tag <device_id> [tag...]",
	Short: "Replace the tags of a device",
	Long:  `Replace the tags of a device. Group membership follows immediately. Give no tags to clear them.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		d, err := a.Registry.TagDevice(cmd.Context(), args[0], args[1:], getActiveUser())
		if err != nil {
			return err
		}
		fmt.Printf("Device %s tags: %s\n", d.DeviceID, strings.Join(d.Tags, ","))
		return nil
	}),
}

func init() {
	deviceCmd.AddCommand(deviceListCmd, deviceShowCmd, deviceRevokeCmd, deviceTagCmd)
	rootCmd.AddCommand(deviceCmd)
}
