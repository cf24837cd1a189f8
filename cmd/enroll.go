package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/rollcall/internal/imaging"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <name> <image_path>",
	Short: "Add a face to the PostgreSQL identity gallery",
	Long:  "Embeds the largest face in the image and stores it under name. Enrolling an existing name averages the new embedding into it.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0], args[1], cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, name, imagePath string, out io.Writer) error {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("failed to read image file: %w", err)
	}
	img, err := imaging.Decode(imgData)
	if err != nil {
		return err
	}

	w, err := worker.NewPythonWorker(0, worker.Options{
		Python:  cfg.Matcher.Python,
		Script:  cfg.Matcher.Script,
		Timeout: cfg.MatcherTimeout(),
	})
	if err != nil {
		return fmt.Errorf("worker startup failed: %w", err)
	}
	defer w.Close()

	faces, err := w.Detect(ctx, imgData)
	if err != nil {
		w.Close()
		utils.ShowError(logger.Out, "AI processing failed", err, w.Cmd)
		return err
	}
	if len(faces) == 0 {
		return fmt.Errorf("no faces detected in %s", imagePath)
	}

	best := largestFace(faces)
	if len(faces) > 1 {
		logger.Warningf("⚠️  Multiple faces detected (%d). Using the largest face.", len(faces))
	}
	crop, err := imaging.Crop(img, best.Box)
	if err != nil {
		return err
	}
	vec, err := w.Embed(ctx, crop)
	if err != nil {
		return fmt.Errorf("failed to embed face: %w", err)
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st)

	id, err := st.EnrollIdentity(ctx, name, vec)
	if err != nil {
		return fmt.Errorf("failed to enroll %q: %w", name, err)
	}
	fmt.Fprintf(out, "✅ Enrolled %s (ID: %d)\n", name, id)
	return nil
}

// largestFace picks the detection with the biggest box area.
func largestFace(faces []types.Detection) types.Detection {
	best := faces[0]
	maxArea := best.Box.Width() * best.Box.Height()
	for _, f := range faces[1:] {
		if area := f.Box.Width() * f.Box.Height(); area > maxArea {
			maxArea = area
			best = f
		}
	}
	return best
}
