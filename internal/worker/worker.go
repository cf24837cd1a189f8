package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/imaging"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
)

// ErrWorker wraps every error reported by the Python side (status byte 1).
var ErrWorker = errors.New("python worker error")

// Request opcodes.
const (
	OpDetect byte = 'D'
	OpMatch  byte = 'M'
	OpEmbed  byte = 'E'
)

const (
	statusOK    = 0
	statusError = 1

	// maxResponse guards against a corrupted length header allocating gigabytes.
	maxResponse = 64 << 20
)

// Options configures the worker subprocess.
type Options struct {
	Python     string
	Script     string
	GalleryDir string
	Timeout    time.Duration
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu sync.Mutex
}

func NewPythonWorker(id int, opts Options) (*PythonWorker, error) {
	python := opts.Python
	if python == "" {
		python = "python3"
	}
	args := []string{"-u", opts.Script}
	if opts.GalleryDir != "" {
		args = append(args, "--gallery", opts.GalleryDir)
	}
	py := utils.NewSafeCommand(python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  opts.Timeout,
	}, nil
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Communicate sends one request and returns the response body after the status byte.
// Protocol: [Length][Op][Payload] -> [Length][Status][Body]
func (w *PythonWorker) Communicate(ctx context.Context, op byte, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(readDeadliner); ok {
		deadline, hasDeadline := ctx.Deadline()
		if w.Timeout > 0 {
			if t := time.Now().Add(w.Timeout); !hasDeadline || t.Before(deadline) {
				deadline, hasDeadline = t, true
			}
		}
		if hasDeadline {
			d.SetReadDeadline(deadline)
			defer d.SetReadDeadline(time.Time{})
		}
	}

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data)+1)); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(append([]byte{op}, data...)); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		return nil, fmt.Errorf("invalid response length %d", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, err
	}

	switch respBody[0] {
	case statusOK:
		return respBody[1:], nil
	case statusError:
		reader := bytes.NewReader(respBody[1:])
		var msgLen uint32
		if err := binary.Read(reader, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("%w: unreadable error message", ErrWorker)
		}
		msg := make([]byte, msgLen)
		io.ReadFull(reader, msg)
		return nil, fmt.Errorf("%w: %s", ErrWorker, msg)
	default:
		return nil, fmt.Errorf("unknown worker status %d", respBody[0])
	}
}

// Detect runs face detection on a JPEG frame.
// Response: [NumFaces] then per face [Box int32x4][Confidence float32]
func (w *PythonWorker) Detect(ctx context.Context, frame []byte) ([]types.Detection, error) {
	resp, err := w.Communicate(ctx, OpDetect, frame)
	if err != nil {
		return nil, err
	}

	reader := bytes.NewReader(resp)
	var numFaces uint32
	if err := binary.Read(reader, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}

	// Each face occupies 20 bytes; a count beyond that is a corrupt frame.
	if int(numFaces)*20 > reader.Len() {
		return nil, fmt.Errorf("face count %d exceeds payload", numFaces)
	}

	dets := make([]types.Detection, 0, numFaces)
	for i := 0; i < int(numFaces); i++ {
		var box [4]int32
		var conf float32
		if err := binary.Read(reader, binary.BigEndian, &box); err != nil {
			return nil, err
		}
		if err := binary.Read(reader, binary.BigEndian, &conf); err != nil {
			return nil, err
		}
		dets = append(dets, types.Detection{
			Box:        types.Box{X1: int(box[0]), Y1: int(box[1]), X2: int(box[2]), Y2: int(box[3])},
			Confidence: float64(conf),
		})
	}
	return dets, nil
}

// Match asks the worker to identify a face crop against its gallery directory.
// Response: [Found byte][Distance float32][NameLen][Name]
func (w *PythonWorker) Match(ctx context.Context, face image.Image) (recognition.Match, error) {
	data, err := imaging.EncodeJPEG(face)
	if err != nil {
		return recognition.Match{}, err
	}
	resp, err := w.Communicate(ctx, OpMatch, data)
	if err != nil {
		return recognition.Match{}, err
	}

	reader := bytes.NewReader(resp)
	var found byte
	var dist float32
	var nameLen uint32
	if err := binary.Read(reader, binary.BigEndian, &found); err != nil {
		return recognition.Match{}, err
	}
	if err := binary.Read(reader, binary.BigEndian, &dist); err != nil {
		return recognition.Match{}, err
	}
	if err := binary.Read(reader, binary.BigEndian, &nameLen); err != nil {
		return recognition.Match{}, err
	}
	if int(nameLen) > reader.Len() {
		return recognition.Match{}, fmt.Errorf("name length %d exceeds payload", nameLen)
	}
	name := make([]byte, nameLen)
	io.ReadFull(reader, name)

	if found == 0 {
		return recognition.Match{}, nil
	}
	return recognition.Match{Identity: string(name), Distance: float64(dist), Found: true}, nil
}

// Embed returns the face embedding of a crop.
// Response: [Dim] then Dim float32 values
func (w *PythonWorker) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	data, err := imaging.EncodeJPEG(face)
	if err != nil {
		return nil, err
	}
	resp, err := w.Communicate(ctx, OpEmbed, data)
	if err != nil {
		return nil, err
	}

	reader := bytes.NewReader(resp)
	var dim uint32
	if err := binary.Read(reader, binary.BigEndian, &dim); err != nil {
		return nil, err
	}
	if int(dim)*4 > reader.Len() {
		return nil, fmt.Errorf("embedding dimension %d exceeds payload", dim)
	}
	vec := make([]float32, dim)
	if err := binary.Read(reader, binary.BigEndian, vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// Logs returns whatever the worker wrote to stderr so far.
func (w *PythonWorker) Logs() string {
	if w.Cmd == nil {
		return ""
	}
	return w.Cmd.Stderr.String()
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
