package main

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/openmined/farmsync/internal/codec"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// https://github.com/muesli/termenv/blob/master/ansicolors.go
	red       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	lightGray = lipgloss.NewStyle().Foreground(lipgloss.Color("248"))
	bold      = lipgloss.NewStyle().Bold(true)
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case "", outputText:
		return outputText, nil
	case outputJSON, outputYAML:
		return format, nil
	}
	return "", fmt.Errorf("unknown output format %q, want text, json or yaml", format)
}

// render writes v as json or yaml, or calls text for the human format.
// yaml goes through json first so both use the same field names.
func render(cmd *cobra.Command, v any, text func(w io.Writer) error) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()

	switch format {
	case outputJSON:
		b, err := codec.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case outputYAML:
		b, err := codec.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := yaml.NewDecoder(bytes.NewReader(b)).Decode(&generic); err != nil {
			return err
		}
		return yamlOut(w, generic)
	}
	return text(w)
}

func since(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return humanize.Time(*t)
}

func onOff(online bool) string {
	if online {
		return green.Render("online")
	}
	return red.Render("offline")
}

func countStyle(n int, style lipgloss.Style) string {
	s := humanize.Comma(int64(n))
	if n == 0 {
		return gray.Render(s)
	}
	return style.Render(s)
}

func latencyText(d time.Duration) string {
	if d <= 0 {
		return gray.Render("-")
	}
	return d.Round(time.Millisecond).String()
}

func yamlOut(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}
