package main

import (
	"fileconv/probe"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func renderToolTable(statuses []probe.Status) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Tool", "Command", "Status", "Path", "Used for"})

	for _, s := range statuses {
		state := "missing"
		switch {
		case s.Available:
			state = "ok"
		case s.Optional:
			state = "missing (optional)"
		}
		tw.AppendRow(table.Row{s.Name, s.Command, state, s.Path, s.Description})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
