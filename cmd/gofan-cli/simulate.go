package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joshp123/gofan/plugins/atomberg"
)

// simulateCmd sends the datagram a fan would broadcast for the given state,
// so the daemon's listener can be exercised without hardware.
func simulateCmd(args []string) {
	flags := flag.NewFlagSet("simulate", flag.ExitOnError)
	addr := flags.String("addr", "127.0.0.1:"+strconv.Itoa(atomberg.DefaultBroadcastPort), "listener address")
	dryRun := flags.Bool("dry-run", false, "print the datagram instead of sending it")
	deviceID, rest := splitTarget(args)
	_ = flags.Parse(rest)
	if deviceID == "" {
		fatal("simulate", fmt.Errorf("usage: gofan-cli simulate <device_id> [--addr host:port] key=value..."))
	}

	state, err := parseStateArgs(flags.Args())
	if err != nil {
		fatal("simulate", err)
	}
	state.DeviceID = deviceID
	datagram := atomberg.EncodeBroadcast(state)

	if *dryRun {
		fmt.Println(string(datagram))
		return
	}

	conn, err := net.Dial("udp", *addr)
	if err != nil {
		fatal("dial "+*addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(datagram); err != nil {
		fatal("send datagram", err)
	}
	fmt.Fprintf(os.Stdout, "ok: sent state code %d for %s to %s\n", atomberg.EncodeStateCode(state), deviceID, *addr)
}

func parseStateArgs(args []string) (atomberg.DeviceState, error) {
	state := atomberg.DeviceState{IsOnline: true, LastRecordedColor: atomberg.ColorWarm}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || value == "" {
			return atomberg.DeviceState{}, fmt.Errorf("expected key=value, got %q", arg)
		}

		var err error
		switch normalizeName(key) {
		case "power":
			state.Power, err = parseSwitch(value)
		case "led":
			state.LED, err = parseSwitch(value)
		case "sleep":
			state.SleepMode, err = parseSwitch(value)
		case "speed":
			state.LastRecordedSpeed, err = strconv.Atoi(value)
		case "timer":
			state.TimerHours, err = strconv.Atoi(value)
		case "elapsed":
			state.TimerTimeElapsedMins, err = strconv.Atoi(value)
		case "brightness":
			state.LastRecordedBrightness, err = strconv.Atoi(value)
		case "color":
			switch strings.ToLower(value) {
			case "warm":
				state.LastRecordedColor = atomberg.ColorWarm
			case "cool":
				state.LastRecordedColor = atomberg.ColorCool
			case "daylight":
				state.LastRecordedColor = atomberg.ColorDaylight
			default:
				err = fmt.Errorf("expected warm, cool or daylight, got %q", value)
			}
		default:
			return atomberg.DeviceState{}, fmt.Errorf("unknown attribute %q", key)
		}
		if err != nil {
			return atomberg.DeviceState{}, fmt.Errorf("%s: %w", key, err)
		}
	}
	return state, nil
}
