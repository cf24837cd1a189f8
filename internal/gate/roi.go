package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// roiFile is the on-disk shape: {"roi": [[x, y], ...]}.
type roiFile struct {
	ROI [][]float64 `json:"roi" yaml:"roi"`
}

// LoadROI reads a polygon from a JSON or YAML file, chosen by extension.
func LoadROI(path string) (Polygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roi: %w", err)
	}
	return ParseROI(data, filepath.Ext(path))
}

// ParseROI decodes polygon bytes. ext selects the decoder (".yaml"/".yml" or JSON otherwise).
func ParseROI(data []byte, ext string) (Polygon, error) {
	var f roiFile
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse roi yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse roi json: %w", err)
		}
	}

	poly := make(Polygon, 0, len(f.ROI))
	for i, v := range f.ROI {
		if len(v) != 2 {
			return nil, fmt.Errorf("roi vertex %d: expected [x, y], got %d values", i, len(v))
		}
		poly = append(poly, types.Point{X: v[0], Y: v[1]})
	}
	if len(poly) > 0 && len(poly) < 3 {
		return nil, fmt.Errorf("roi needs at least 3 vertices, got %d", len(poly))
	}
	return poly, nil
}

// SaveROI writes the polygon in the JSON layout LoadROI understands.
func SaveROI(path string, poly Polygon) error {
	f := roiFile{ROI: make([][]float64, len(poly))}
	for i, p := range poly {
		f.ROI[i] = []float64{p.X, p.Y}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ROISource holds the active polygon and can reload it when the file changes.
type ROISource struct {
	path    string
	current atomic.Pointer[Polygon]
	logger  logrus.FieldLogger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewROISource loads path once. An empty path yields an open (nil) ROI.
func NewROISource(path string, logger logrus.FieldLogger) (*ROISource, error) {
	s := &ROISource{path: path, logger: logger.WithField("component", "roi")}
	var poly Polygon
	if path != "" {
		p, err := LoadROI(path)
		if err != nil {
			return nil, err
		}
		poly = p
	}
	s.current.Store(&poly)
	return s, nil
}

// Polygon returns the active ROI.
func (s *ROISource) Polygon() Polygon {
	return *s.current.Load()
}

// Watch starts reloading the ROI on file writes. A bad edit keeps the previous polygon.
func (s *ROISource) Watch() error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher
	s.done = make(chan struct{})
	go s.watchloop()
	return nil
}

func (s *ROISource) watchloop() {
	defer close(s.done)
	target := filepath.Clean(s.path)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			poly, err := LoadROI(s.path)
			if err != nil {
				s.logger.WithError(err).Warningf("ignoring invalid roi update")
				continue
			}
			s.current.Store(&poly)
			s.logger.WithField("vertices", len(poly)).Infof("roi reloaded")
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Warningf("receive roi watcher error")
		}
	}
}

// Close stops the watcher, if any.
func (s *ROISource) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	s.watcher = nil
	return err
}
