package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/grpc"

	"github.com/joshp123/gofan/plugins/atomberg"
)

type deviceRow struct {
	atomberg.Device
	State     atomberg.DeviceState `json:"state"`
	Restored  bool                 `json:"restored"`
	UpdatedAt string               `json:"updated_at,omitempty"`
}

func fanCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	client := atomberg.NewServiceClient(conn)
	out := newOutput(jsonOutput)

	switch args[0] {
	case "devices":
		devices := listDevices(ctx, client)
		if out.json {
			out.printJSON(devices)
			return
		}
		rows := [][]string{{"NAME", "ID", "ROOM", "MODEL", "ONLINE", "POWER", "SPEED"}}
		for _, d := range devices {
			rows = append(rows, []string{
				d.DisplayName(),
				d.DeviceID,
				d.Room,
				d.Model,
				strconv.FormatBool(d.State.IsOnline),
				onOff(d.State.Power),
				strconv.Itoa(d.State.LastRecordedSpeed),
			})
		}
		out.table(rows)
	case "state":
		stateCmd(ctx, client, args[1:], out)
	case "set":
		setCmd(ctx, client, args[1:], out)
	case "reconcile":
		var result struct {
			Added             []string `json:"added"`
			Updated           []string `json:"updated"`
			Removed           []string `json:"removed"`
			StatesUnavailable bool     `json:"states_unavailable"`
		}
		if err := client.Call(ctx, "Reconcile", struct{}{}, &result); err != nil {
			fatal("reconcile", err)
		}
		if out.json {
			out.printJSON(result)
			return
		}
		fmt.Fprintf(out.out, "ok: added=%d updated=%d removed=%d\n", len(result.Added), len(result.Updated), len(result.Removed))
		if result.StatesUnavailable {
			fmt.Fprintln(out.out, "warning: device states unavailable, fans marked offline")
		}
	case "session":
		var status struct {
			Provider      string `json:"provider"`
			Authenticated bool   `json:"authenticated"`
			ExpiresAt     string `json:"expires_at,omitempty"`
		}
		if err := client.Call(ctx, "SessionStatus", struct{}{}, &status); err != nil {
			fatal("session status", err)
		}
		if out.json {
			out.printJSON(status)
			return
		}
		out.table([][]string{
			{"PROVIDER", "AUTHENTICATED", "EXPIRES"},
			{status.Provider, strconv.FormatBool(status.Authenticated), status.ExpiresAt},
		})
	}
}

func listDevices(ctx context.Context, client *atomberg.ServiceClient) []deviceRow {
	var resp struct {
		Devices []deviceRow `json:"devices"`
	}
	if err := client.Call(ctx, "ListDevices", struct{}{}, &resp); err != nil {
		fatal("list devices", err)
	}
	return resp.Devices
}

func stateCmd(ctx context.Context, client *atomberg.ServiceClient, args []string, out outputMode) {
	flags := flag.NewFlagSet("state", flag.ExitOnError)
	refresh := flags.Bool("refresh", false, "fetch fresh state from the cloud")
	fan, rest := splitTarget(args)
	_ = flags.Parse(rest)
	if fan == "" {
		fatal("state", fmt.Errorf("usage: gofan-cli state <fan> [--refresh]"))
	}

	id, err := resolveDevice(fan, listDevices(ctx, client))
	if err != nil {
		fatal("resolve fan", err)
	}

	var row deviceRow
	req := map[string]any{"device_id": id, "refresh": *refresh}
	if err := client.Call(ctx, "GetState", req, &row); err != nil {
		fatal("get state", err)
	}
	if out.json {
		out.printJSON(row)
		return
	}
	printState(out, row.DisplayName(), row.State)
}

func setCmd(ctx context.Context, client *atomberg.ServiceClient, args []string, out outputMode) {
	if len(args) < 2 {
		fatal("set", fmt.Errorf("usage: gofan-cli set <fan> key=value..."))
	}
	cmd, err := parseSetArgs(args[1:])
	if err != nil {
		fatal("set", err)
	}

	id, err := resolveDevice(args[0], listDevices(ctx, client))
	if err != nil {
		fatal("resolve fan", err)
	}

	req := map[string]any{"device_id": id, "command": cmd}
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	if err := client.Call(ctx, "SendCommand", req, &resp); err != nil {
		fatal("send command", err)
	}
	if out.json {
		out.printJSON(resp)
		return
	}
	fmt.Fprintf(out.out, "ok: command sent to %s\n", id)
}

// splitTarget lets the fan name come before or after flags.
func splitTarget(args []string) (string, []string) {
	var target string
	rest := make([]string, 0, len(args))
	for _, arg := range args {
		if target == "" && !strings.HasPrefix(arg, "-") {
			target = arg
			continue
		}
		rest = append(rest, arg)
	}
	return target, rest
}

func parseSetArgs(args []string) (atomberg.Command, error) {
	var cmd atomberg.Command
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || value == "" {
			return atomberg.Command{}, fmt.Errorf("expected key=value, got %q", arg)
		}
		switch normalizeName(key) {
		case "power":
			b, err := parseSwitch(value)
			if err != nil {
				return atomberg.Command{}, fmt.Errorf("power: %w", err)
			}
			cmd.Power = &b
		case "led":
			b, err := parseSwitch(value)
			if err != nil {
				return atomberg.Command{}, fmt.Errorf("led: %w", err)
			}
			cmd.LED = &b
		case "sleep":
			b, err := parseSwitch(value)
			if err != nil {
				return atomberg.Command{}, fmt.Errorf("sleep: %w", err)
			}
			cmd.Sleep = &b
		case "speed":
			n, err := strconv.Atoi(value)
			if err != nil {
				return atomberg.Command{}, fmt.Errorf("speed: %w", err)
			}
			cmd.Speed = &n
		case "speed_delta":
			n, err := strconv.Atoi(value)
			if err != nil {
				return atomberg.Command{}, fmt.Errorf("speed_delta: %w", err)
			}
			cmd.SpeedDelta = &n
		case "timer":
			n, err := strconv.Atoi(value)
			if err != nil {
				return atomberg.Command{}, fmt.Errorf("timer: %w", err)
			}
			cmd.Timer = &n
		case "brightness":
			n, err := strconv.Atoi(value)
			if err != nil {
				return atomberg.Command{}, fmt.Errorf("brightness: %w", err)
			}
			cmd.Brightness = &n
		case "brightness_delta":
			n, err := strconv.Atoi(value)
			if err != nil {
				return atomberg.Command{}, fmt.Errorf("brightness_delta: %w", err)
			}
			cmd.BrightnessDelta = &n
		case "light", "light_mode":
			mode := atomberg.LightMode(strings.ToLower(value))
			cmd.LightMode = &mode
		default:
			return atomberg.Command{}, fmt.Errorf("unknown attribute %q", key)
		}
	}
	return cmd, nil
}

func parseSwitch(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", value)
}

func decodeCmd(args []string, jsonOutput bool) {
	if len(args) < 1 {
		fatal("decode", fmt.Errorf("usage: gofan-cli decode <hex datagram>"))
	}
	state, err := atomberg.DecodeBroadcast([]byte(strings.Join(args, "")))
	if err != nil {
		fatal("decode", err)
	}
	out := newOutput(jsonOutput)
	if out.json {
		out.printJSON(state)
		return
	}
	printState(out, state.DeviceID, state)
}

func printState(out outputMode, label string, s atomberg.DeviceState) {
	out.table([][]string{
		{"FAN", label},
		{"online", strconv.FormatBool(s.IsOnline)},
		{"power", onOff(s.Power)},
		{"speed", strconv.Itoa(s.LastRecordedSpeed)},
		{"sleep", onOff(s.SleepMode)},
		{"timer", fmt.Sprintf("%dh (%dm elapsed)", s.TimerHours, s.TimerTimeElapsedMins)},
		{"led", onOff(s.LED)},
		{"brightness", strconv.Itoa(s.LastRecordedBrightness)},
		{"color", s.LastRecordedColor},
	})
}
