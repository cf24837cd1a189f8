package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/rollcall/internal/engine"
	"github.com/spf13/cobra"
)

var identifyMark bool

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Recognize every face in a still image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0], identifyMark, cmd.OutOrStdout())
	},
}

func init() {
	identifyCmd.Flags().BoolVar(&identifyMark, "mark", false, "Mark attendance for recognized faces")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, imagePath string, mark bool, out io.Writer) error {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("failed to read image file: %w", err)
	}

	var marker engine.Marker
	if mark {
		m, closeLedger, err := openMachine(ctx)
		if err != nil {
			return err
		}
		defer closeLedger()
		marker = m
	}

	p, err := newPipeline(ctx, 0, marker)
	if err != nil {
		return err
	}
	defer p.Close()

	logger.Infof("🔍 Analyzing %s...", imagePath)
	faces, err := p.engine.ProcessImage(ctx, imgData, mark)
	if err != nil {
		p.worker.Close()
		p.crashed("AI processing failed", err)
		return err
	}

	if len(faces) == 0 {
		fmt.Fprintln(out, "❌ No faces detected in the provided image.")
		return nil
	}
	renderFaces(out, faces)
	return nil
}

func renderFaces(out io.Writer, faces []engine.FaceResult) {
	rows := make([][]string, 0, len(faces))
	for _, f := range faces {
		name := f.Name
		if name == "" {
			name = "Unknown"
		}
		marked := string(f.Attendance)
		if f.Error != "" {
			marked = "error: " + f.Error
		}
		rows = append(rows, []string{
			name,
			fmt.Sprintf("%d,%d,%d,%d", f.Box.X1, f.Box.Y1, f.Box.X2, f.Box.Y2),
			fmt.Sprintf("%.2f", f.Confidence),
			fmt.Sprintf("%.2f", f.Quality),
			f.Status,
			marked,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Name", "Box", "Confidence", "Quality", "Status", "Attendance"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
	))
}
