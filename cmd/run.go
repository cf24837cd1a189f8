package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/engine"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

// RunOptions holds the flags of the run command
type RunOptions struct {
	InputPath string
	FPS       float64
	DryRun    bool
}

var runOpts RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Recognize faces in a video file or capture device and mark attendance",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runStream(cmd.Context(), runOpts, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "input", "i", "", "Path to video, stream URL, or /dev/videoN device")
	runCmd.Flags().Float64Var(&runOpts.FPS, "fps", 0, "Override the source frame rate (default: probe with ffprobe)")
	runCmd.Flags().BoolVar(&runOpts.DryRun, "dry-run", false, "Recognize without writing attendance")

	runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}

// Buffer pool to reduce GC pressure while streaming
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// runSummary accumulates what the stream produced for the final report.
type runSummary struct {
	frames     int
	sampled    int
	detections int
	marks      map[string][]attendance.Outcome
}

func (s *runSummary) add(res engine.FrameResult) {
	if !res.Accepted {
		return
	}
	s.sampled++
	for _, f := range res.Faces {
		s.detections++
		switch f.Attendance {
		case attendance.OutcomeIn, attendance.OutcomeOut:
			s.marks[f.Name] = append(s.marks[f.Name], f.Attendance)
		}
	}
}

// runStream orchestrates a stream: worker, engine, FFmpeg decoding, and progress tracking.
func runStream(ctx context.Context, opts RunOptions, out io.Writer) error {
	if err := validateInput(opts.InputPath); err != nil {
		return err
	}
	log := logger.WithField("source", utils.SourceID(opts.InputPath))

	fps := opts.FPS
	if fps <= 0 && !utils.IsDevice(opts.InputPath) {
		probed, err := utils.GetVideoFPS(opts.InputPath)
		if err != nil {
			log.WithError(err).Warningf("Failed to determine FPS, sampling every frame")
		} else {
			fps = probed
		}
	}

	var marker engine.Marker
	if !opts.DryRun {
		m, closeLedger, err := openMachine(ctx)
		if err != nil {
			return err
		}
		defer closeLedger()
		marker = m
	}

	p, err := newPipeline(ctx, fps, marker)
	if err != nil {
		return err
	}
	defer p.Close()
	log.Infof("📼 Processing %s at %.2f fps (frame skip %d)", opts.InputPath, fps, p.engine.FrameSkip())

	// Progress needs a known total and a terminal to draw on
	var bar *progressbar.ProgressBar
	if isatty.IsTerminal(os.Stderr.Fd()) {
		total := utils.GetTotalFrames(opts.InputPath, log)
		if total <= 0 {
			// Fallback to a spinner if ffprobe fails
			total = -1
		}
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🔍 Rollcall"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionShowCount(),
		)
	}

	ffmpeg := utils.NewFFmpegCmd(ctx, opts.InputPath)

	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	defer ffmpegOut.Close() // Ensure pipe is closed to prevent leaks/zombies

	if err := ffmpeg.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	scanner := bufio.NewScanner(ffmpegOut)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	summary := &runSummary{marks: make(map[string][]attendance.Outcome)}
	for index := 0; scanner.Scan(); index++ {
		summary.frames++
		if bar != nil {
			bar.Add(1)
		}

		// Get buffer from pool, the scanner reuses its own
		buf := frameBufferPool.Get().([]byte)
		if cap(buf) < len(scanner.Bytes()) {
			buf = make([]byte, len(scanner.Bytes()))
		}
		buf = buf[:len(scanner.Bytes())]
		copy(buf, scanner.Bytes())

		res, err := p.engine.ProcessFrame(ctx, types.Frame{Index: index, Data: buf})
		frameBufferPool.Put(buf[:0])
		summary.add(res)
		if err != nil {
			if ctx.Err() != nil {
				log.Infof("Interrupted, stopping stream")
				break
			}
			return fmt.Errorf("frame %d: %w", index, err)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("frame scanner failed: %w", err)
	}

	if err := ffmpeg.Wait(); err != nil && ctx.Err() == nil {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		return fmt.Errorf("FFmpeg execution failed: %w", err)
	}

	if bar != nil {
		bar.Finish()
	}
	printSummary(out, summary)
	return nil
}

func printSummary(w io.Writer, s *runSummary) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 RUN SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	names := make([]string, 0, len(s.marks))
	for name := range s.marks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "👤 %s: %v\n", name, s.marks[name])
	}

	fmt.Fprintf(w, "\n🏁 Sampled %d of %d frames, %d faces considered.\n", s.sampled, s.frames, s.detections)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// validateInput ensures the input exists before heavy processes start. URLs are passed through.
func validateInput(path string) error {
	if path == "" {
		return fmt.Errorf("input is required")
	}
	if utils.IsDevice(path) || !isLocalPath(path) {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", path)
	}
	return nil
}

func isLocalPath(path string) bool {
	for _, scheme := range []string{"rtsp://", "rtmp://", "http://", "https://", "udp://", "tcp://"} {
		if strings.HasPrefix(path, scheme) {
			return false
		}
	}
	return true
}
