package main

import (
	"fmt"
	"sort"
	"strings"
)

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	replacer := strings.NewReplacer(" ", "_", "-", "_")
	name = replacer.Replace(name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}

// resolveDevice accepts either a device id or a (normalized) fan name.
func resolveDevice(input string, devices []deviceRow) (string, error) {
	for _, d := range devices {
		if d.DeviceID == input {
			return d.DeviceID, nil
		}
	}

	needle := normalizeName(input)
	var matches []string
	for _, d := range devices {
		if d.Name != "" && normalizeName(d.Name) == needle {
			matches = append(matches, d.DeviceID)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
	default:
		sort.Strings(matches)
		return "", fmt.Errorf("fan %q is ambiguous: %s", input, strings.Join(matches, ", "))
	}

	available := make([]string, 0, len(devices))
	for _, d := range devices {
		if d.Name != "" {
			available = append(available, d.Name)
		} else {
			available = append(available, d.DeviceID)
		}
	}
	sort.Strings(available)
	return "", fmt.Errorf("fan %q not found. Available: %s", input, strings.Join(available, ", "))
}
