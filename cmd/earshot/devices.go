package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio/loopback"
)

var devicesJSON bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices, best loopback candidate first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reg := config.NewRegistry()
		registerBuiltinBackends(reg)
		backend, err := buildBackend(cfg.Capture, reg, observe.DefaultMetrics())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		devs, err := backend.Devices(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", backend.Name(), err)
		}
		devs = loopback.Rank(runtime.GOOS, devs)

		out := cmd.OutOrStdout()
		if devicesJSON {
			type device struct {
				ID        string `json:"id"`
				Name      string `json:"name"`
				IsDefault bool   `json:"is_default"`
				Score     int    `json:"score"`
				Usable    bool   `json:"usable"`
			}
			list := make([]device, 0, len(devs))
			for _, d := range devs {
				list = append(list, device{d.ID, d.Name, d.IsDefault, d.Score, d.Score >= loopback.UsableScore})
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		}

		fmt.Fprintf(out, "backend: %s\n", backend.Name())
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SCORE\tDEFAULT\tNAME\tID")
		for _, d := range devs {
			def := ""
			if d.IsDefault {
				def = "*"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", d.Score, def, d.Name, d.ID)
		}
		return tw.Flush()
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "print JSON instead of a table")
}
