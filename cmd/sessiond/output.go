package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/sessiond/client"
	"pkt.systems/sessiond/internal/loggingutil"
)

const envCorrelation = "SESSIOND_CORRELATION_ID"

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputJSON reports whether --output selects JSON. Unknown formats are
// rejected.
func outputJSON() (bool, error) {
	switch format := strings.ToLower(strings.TrimSpace(viper.GetString("output"))); format {
	case "", "table", "text":
		return false, nil
	case "json":
		return true, nil
	default:
		return false, fmt.Errorf("unknown output format %q (table|json)", format)
	}
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func formatTimePtr(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func resolveCorrelationID() string {
	if env := strings.TrimSpace(os.Getenv(envCorrelation)); env != "" {
		if normalized, ok := client.NormalizeCorrelationID(env); ok {
			return normalized
		}
	}
	return client.GenerateCorrelationID()
}

func commandContextWithCorrelation(cmd *cobra.Command) (context.Context, string) {
	id := resolveCorrelationID()
	return client.WithCorrelationID(cmd.Context(), id), id
}

func (rt *cliRuntime) apiClient() (*client.Client, error) {
	return client.New(viper.GetString("server"),
		client.WithTimeout(viper.GetDuration("client-timeout")),
		client.WithLogger(loggingutil.WithSubsystem(rt.logger, "cli.client")),
	)
}
