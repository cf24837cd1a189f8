package cmd

import (
	"fmt"
	"io"

	"github.com/andresmejia3/rollcall/internal/gate"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
)

var roiCmd = &cobra.Command{
	Use:   "roi",
	Short: "Inspect region-of-interest files",
}

var roiCheckCmd = &cobra.Command{
	Use:   "check <file> <x> <y>",
	Short: "Report whether a point lies inside an ROI polygon",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runROICheck(args[0], args[1], args[2], cmd.OutOrStdout())
	},
}

func init() {
	roiCmd.AddCommand(roiCheckCmd)
	rootCmd.AddCommand(roiCmd)
}

func runROICheck(path, rawX, rawY string, out io.Writer) error {
	x, err := cast.ToFloat64E(rawX)
	if err != nil {
		return fmt.Errorf("invalid x %q: %w", rawX, err)
	}
	y, err := cast.ToFloat64E(rawY)
	if err != nil {
		return fmt.Errorf("invalid y %q: %w", rawY, err)
	}

	poly, err := gate.LoadROI(path)
	if err != nil {
		return fmt.Errorf("failed to load ROI: %w", err)
	}

	p := types.Point{X: x, Y: y}
	if gate.Inside(p, poly) {
		fmt.Fprintf(out, "✅ (%g, %g) is inside the %d-point ROI\n", x, y, len(poly))
	} else {
		fmt.Fprintf(out, "❌ (%g, %g) is outside the %d-point ROI\n", x, y, len(poly))
	}
	return nil
}
