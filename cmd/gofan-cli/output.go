package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

type outputMode struct {
	json bool
	out  io.Writer
}

func newOutput(jsonOutput bool) outputMode {
	return outputMode{json: jsonOutput, out: os.Stdout}
}

func (o outputMode) printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal("format json", err)
	}
	fmt.Fprintln(o.out, string(data))
}

func (o outputMode) table(rows [][]string) {
	w := tabwriter.NewWriter(o.out, 2, 4, 2, ' ', 0)
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
