package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hojjatabdollahi/snappea-sub000/internal/encoder"
	"github.com/hojjatabdollahi/snappea-sub000/internal/pipeline"
)

type encoderView struct {
	BackendID string `json:"backend_id"`
	Name      string `json:"name"`
	Codec     string `json:"codec"`
	Hardware  bool   `json:"hardware"`
	Priority  uint8  `json:"priority"`
}

func newEncodersCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "encoders",
		Short: "List installed encoders, best first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listEncoders(cmd, encoder.Detect(pipeline.Registry{}), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func listEncoders(cmd *cobra.Command, catalog *encoder.Catalog, asJSON bool) error {
	infos := catalog.Encoders()
	if asJSON {
		views := make([]encoderView, 0, len(infos))
		for _, info := range infos {
			views = append(views, encoderView{
				BackendID: info.BackendID,
				Name:      info.Name,
				Codec:     info.Codec.String(),
				Hardware:  info.Hardware,
				Priority:  info.Priority,
			})
		}
		return writeJSON(cmd, views)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No encoders available")
		return encoder.ErrNoEncoders
	}
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		kind := "software"
		if info.Hardware {
			kind = "hardware"
		}
		rows = append(rows, []string{
			info.BackendID,
			info.Name,
			info.Codec.String(),
			kind,
			strconv.Itoa(int(info.Priority)),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Backend", "Name", "Codec", "Kind", "Priority"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
	return nil
}
