package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/database"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/handlepool"
	"github.com/nerrad567/omnibox-core/internal/usage"
)

// statsView is the machine readable form of the stats command.
type statsView struct {
	Path      string            `json:"path" yaml:"path"`
	Memory    bool              `json:"memory" yaml:"memory"`
	Pool      handlepool.Counts `json:"pool" yaml:"pool"`
	Applied   int               `json:"migrations_applied" yaml:"migrations_applied"`
	Pending   int               `json:"migrations_pending" yaml:"migrations_pending"`
	Commands  int               `json:"commands" yaml:"commands"`
	TotalUses int64             `json:"total_uses" yaml:"total_uses"`
}

// migrationView is one row of the migrate status command.
type migrationView struct {
	Version   string `json:"version" yaml:"version"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	AppliedAt string `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

// renderStructured writes v as JSON or YAML. It reports false for the
// table format so the caller renders its own table.
func renderStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

// renderEntries prints a ranked list of counters.
func renderEntries(w io.Writer, format string, entries []usage.Entry) error {
	if entries == nil {
		entries = []usage.Entry{}
	}
	if done, err := renderStructured(w, format, entries); done {
		return err
	}

	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, "(no commands recorded)")
		return nil
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"#", "Command", "Uses"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
	})
	for i, e := range entries {
		t.AppendRow(table.Row{i + 1, e.Command, e.Uses})
	}
	t.Render()
	return nil
}

// renderStats prints the database and pool summary.
func renderStats(w io.Writer, format string, v statsView) error {
	if done, err := renderStructured(w, format, v); done {
		return err
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Property", "Value"})
	t.AppendRows([]table.Row{
		{"Database", v.Path},
		{"In memory", v.Memory},
		{"Commands", v.Commands},
		{"Total uses", v.TotalUses},
		{"Migrations applied", v.Applied},
		{"Migrations pending", v.Pending},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Handles opened", v.Pool.Opened},
		{"Handles returned", v.Pool.Closed},
		{"Handles disposed", v.Pool.Disposed},
		{"Handles queued", v.Pool.Queued},
		{"Pool generation", v.Pool.Generation},
	})
	t.Render()
	return nil
}

// renderMigrations prints applied and pending migrations.
func renderMigrations(w io.Writer, format string, applied []database.MigrationRecord, pending []database.Migration) error {
	rows := make([]migrationView, 0, len(applied)+len(pending))
	for _, m := range applied {
		rows = append(rows, migrationView{Version: m.Version, AppliedAt: m.AppliedAt.UTC().Format("2006-01-02 15:04:05")})
	}
	for _, m := range pending {
		rows = append(rows, migrationView{Version: m.Version, Name: m.Name})
	}
	if done, err := renderStructured(w, format, rows); done {
		return err
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Version", "Name", "Status"})
	for _, r := range rows {
		status := "pending"
		if r.AppliedAt != "" {
			status = "applied " + r.AppliedAt
		}
		t.AppendRow(table.Row{r.Version, r.Name, status})
	}
	t.Render()
	return nil
}
