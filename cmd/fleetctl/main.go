// Command fleetctl is a small operator CLI for the fleetd HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	asUser     string
)

func main() {
	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operate a fleetd instance governance daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", envOr("FLEETD_ADDR", "http://127.0.0.1:8070"), "fleetd base URL")
	root.PersistentFlags().StringVar(&asUser, "user", envOr("FLEET_USER", ""), "caller identity")

	root.AddCommand(
		listCmd(), createCmd(), infoCmd(), deleteCmd(),
		opCmd("start", "Start an instance"),
		opCmd("stop", "Stop an instance"),
		opCmd("restart", "Restart an instance"),
		suspendCmd(), unsuspendCmd(),
		resizeCmd("resize", "Set absolute resource values"),
		resizeCmd("grow", "Add resource deltas"),
		reinstallCmd(), confirmCmd(), cancelCmd(),
		portsCmd(), adminsCmd(), statsCmd(), guardianCmd(), stopAllCmd(), backupCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func call(method, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, serverAddr+path, &buf)
	if err != nil {
		return err
	}
	if asUser == "" {
		return fmt.Errorf("caller identity required; pass --user or set FLEET_USER")
	}
	req.Header.Set("X-Fleet-User", asUser)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 150 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Kind != "" {
			return fmt.Errorf("%s: %s", envelope.Error.Kind, envelope.Error.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		fmt.Println("ok")
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List visible instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/v1/instances", nil)
		},
	}
}

func createCmd() *cobra.Command {
	var owner string
	var ram, cpu, disk int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/instances",
				map[string]any{"owner": owner, "ram": ram, "cpu": cpu, "disk": disk})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id")
	cmd.Flags().IntVar(&ram, "ram", 0, "RAM in GB")
	cmd.Flags().IntVar(&cpu, "cpu", 0, "CPU cores")
	cmd.Flags().IntVar(&disk, "disk", 0, "disk in GB")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <instance>",
		Short: "Show an instance with live stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/v1/instances/"+args[0], nil)
		},
	}
}

func deleteCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "delete <instance>",
		Short: "Delete an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodDelete, "/v1/instances/"+args[0], map[string]any{"reason": reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "deletion reason")
	return cmd
}

func opCmd(op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <instance>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/instances/"+args[0]+"/"+op, nil)
		},
	}
}

func suspendCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "suspend <instance>",
		Short: "Suspend a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/instances/"+args[0]+"/suspend", map[string]any{"reason": reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "suspension reason")
	return cmd
}

func unsuspendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsuspend <instance>",
		Short: "Unsuspend and restart an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/instances/"+args[0]+"/unsuspend", nil)
		},
	}
}

func resizeCmd(op, short string) *cobra.Command {
	var ram, cpu, disk int
	cmd := &cobra.Command{
		Use:   op + " <instance>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/instances/"+args[0]+"/"+op,
				map[string]any{"ram": ram, "cpu": cpu, "disk": disk})
		},
	}
	cmd.Flags().IntVar(&ram, "ram", 0, "RAM in GB")
	cmd.Flags().IntVar(&cpu, "cpu", 0, "CPU cores")
	cmd.Flags().IntVar(&disk, "disk", 0, "disk in GB")
	return cmd
}

func reinstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reinstall <instance>",
		Short: "Request a reinstall (returns a confirmation token)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/instances/"+args[0]+"/reinstall", nil)
		},
	}
}

func confirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <token>",
		Short: "Confirm a pending destructive action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/confirmations/"+args[0]+"/confirm", nil)
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <token>",
		Short: "Cancel a pending destructive action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/confirmations/"+args[0]+"/cancel", nil)
		},
	}
}

func portsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Manage port forwards",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show your forwards and quota",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(http.MethodGet, "/v1/ports", nil)
			},
		},
		func() *cobra.Command {
			var instance string
			var internal int
			add := &cobra.Command{
				Use:   "add",
				Short: "Forward a new host port to an instance port",
				Args:  cobra.NoArgs,
				RunE: func(cmd *cobra.Command, args []string) error {
					return call(http.MethodPost, "/v1/ports",
						map[string]any{"instance": instance, "internal_port": internal})
				},
			}
			add.Flags().StringVar(&instance, "instance", "", "instance id")
			add.Flags().IntVar(&internal, "port", 0, "internal port")
			add.MarkFlagRequired("instance")
			add.MarkFlagRequired("port")
			return add
		}(),
		&cobra.Command{
			Use:   "release <hostPort>",
			Short: "Release a forward",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := strconv.Atoi(args[0]); err != nil {
					return fmt.Errorf("host port must be a number")
				}
				return call(http.MethodDelete, "/v1/ports/"+args[0], nil)
			},
		},
		func() *cobra.Command {
			var user string
			var delta int
			grant := &cobra.Command{
				Use:   "slots",
				Short: "Adjust a user's forward quota",
				Args:  cobra.NoArgs,
				RunE: func(cmd *cobra.Command, args []string) error {
					return call(http.MethodPost, "/v1/ports/slots",
						map[string]any{"user": user, "delta": delta})
				},
			}
			grant.Flags().StringVar(&user, "for", "", "user id")
			grant.Flags().IntVar(&delta, "delta", 0, "slot change, may be negative")
			grant.MarkFlagRequired("for")
			return grant
		}(),
	)
	return cmd
}

func adminsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admins",
		Short: "Manage delegated admins",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List admins",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(http.MethodGet, "/v1/admins", nil)
			},
		},
		&cobra.Command{
			Use:   "add <user>",
			Short: "Delegate admin rights",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(http.MethodPost, "/v1/admins", map[string]any{"user": args[0]})
			},
		},
		&cobra.Command{
			Use:   "remove <user>",
			Short: "Revoke admin rights",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(http.MethodDelete, "/v1/admins/"+args[0], nil)
			},
		},
	)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show fleet totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/v1/stats", nil)
		},
	}
}

func guardianCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guardian",
		Short: "Inspect or toggle the host guardian",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show guardian state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(http.MethodGet, "/v1/guardians", nil)
			},
		},
		&cobra.Command{
			Use:   "enable",
			Short: "Enable host CPU enforcement",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(http.MethodPost, "/v1/guardians/host", map[string]any{"enabled": true})
			},
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Disable host CPU enforcement",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(http.MethodPost, "/v1/guardians/host", map[string]any{"enabled": false})
			},
		},
	)
	return cmd
}

func stopAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Request a fleet-wide force stop (returns a confirmation token)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/stop-all", nil)
		},
	}
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Archive the state files on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/state/backup", nil)
		},
	}
}
