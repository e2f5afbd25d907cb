package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/httprunner/TestAgent/pkg/device"
	"github.com/httprunner/TestAgent/pkg/storage"
)

func newDevicesCmd() *cobra.Command {
	var (
		flagStored      bool
		flagJSON        bool
		flagNoADB       bool
		flagNullDevices int
		flagAllowlist   string
	)
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List attached devices, or the devices recorded in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if flagStored {
				store, err := storage.Open(storage.Config{Path: rootDBPath})
				if err != nil {
					return err
				}
				defer store.Close()
				rows, err := storage.NewHistory(store).Devices(cmd.Context())
				if err != nil {
					return err
				}
				if flagJSON {
					return writeJSON(out, rows)
				}
				return writeDeviceRows(out, rows)
			}

			pool, _, err := newPool(poolOptions{
				noADB:       flagNoADB,
				nullDevices: flagNullDevices,
				allowlist:   flagAllowlist,
			})
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := pool.Refresh(cmd.Context()); err != nil {
				return errors.Wrap(err, "refresh devices")
			}
			infos := pool.Snapshot()
			if flagJSON {
				return writeJSON(out, infos)
			}
			return writeDeviceInfos(out, infos)
		},
	}
	cmd.Flags().BoolVar(&flagStored, "stored", false, "List devices recorded in the database instead of querying adb")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "Print JSON")
	cmd.Flags().BoolVar(&flagNoADB, "no-adb", false, "Do not query adb")
	cmd.Flags().IntVar(&flagNullDevices, "null-devices", 0, "Number of placeholder devices to include")
	cmd.Flags().StringVar(&flagAllowlist, "allowlist", "", "Only list these serials")
	return cmd
}

func writeDeviceInfos(w io.Writer, infos []device.Info) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tSTATE\tPRODUCT\tOS\tSTUB")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n",
			info.Serial, info.State, dash(info.Properties.Product), dash(info.Properties.OSVersion), info.Stub)
	}
	return tw.Flush()
}

func writeDeviceRows(w io.Writer, rows []storage.DeviceRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tSTATUS\tPRODUCT\tOS\tLAST SEEN\tREMOVED\tLAST ERROR")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			row.Serial, dash(row.Status), dash(row.Product), dash(row.OSVersion),
			formatTime(row.LastSeenAt), row.Removed, dash(row.LastError))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode json")
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
