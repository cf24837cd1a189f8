// Package server exposes recognition and the attendance ledger over HTTP.
package server

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/engine"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

const maxUploadBytes = 32 << 20

// Recognizer identifies the faces in a still image. *engine.Engine implements it.
type Recognizer interface {
	ProcessImage(ctx context.Context, data []byte, mark bool) ([]engine.FaceResult, error)
}

// Attendance is the read side of the state machine. *attendance.Machine implements it.
type Attendance interface {
	Records(ctx context.Context, date string) ([]attendance.Record, error)
	Today() string
}

// Server represents the REST server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	recognizer Recognizer
	attendance Attendance
	logger     logrus.FieldLogger
}

// New creates the server and its routes. Nothing listens until Start.
func New(bind string, rec Recognizer, att Attendance, logger logrus.FieldLogger) *Server {
	r := chi.NewRouter()
	s := &Server{
		router:     r,
		recognizer: rec,
		attendance: att,
		logger:     logger.WithField("component", "server"),
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.RequestLogger(&chiMiddleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(time.Minute))

	r.Get("/health", s.health)
	r.Post("/recognize", s.recognize)
	r.Get("/attendance", s.exportAttendance)
	r.Get("/attendance/today", s.today)

	s.httpServer = &http.Server{
		Addr:         bind,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.logger.Infof("Starting REST server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infof("Shutting down REST server...")
	return s.httpServer.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recognizedFace is the wire form of one face in a /recognize response.
type recognizedFace struct {
	Name                  string  `json:"name"`
	Box                   [4]int  `json:"box"`
	RecognitionConfidence float64 `json:"recognition_confidence"`
	Status                string  `json:"status"`
	Attendance            *string `json:"attendance"`
}

func (s *Server) recognize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	faces, err := s.recognizer.ProcessImage(r.Context(), data, true)
	if err != nil {
		s.logger.WithError(err).Warningf("recognition failed")
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	out := make([]recognizedFace, 0, len(faces))
	for _, f := range faces {
		rf := recognizedFace{
			Name:                  f.Name,
			Box:                   [4]int{f.Box.X1, f.Box.Y1, f.Box.X2, f.Box.Y2},
			RecognitionConfidence: f.Confidence,
			Status:                f.Status,
		}
		if rf.Name == "" {
			rf.Name = "Unknown"
		}
		if f.Attendance != "" {
			a := string(f.Attendance)
			rf.Attendance = &a
		}
		out = append(out, rf)
	}
	respondJSON(w, http.StatusOK, map[string]any{"recognized": out})
}

// dateParam reads ?date, which must be YYYY-MM-DD when present.
func dateParam(r *http.Request) (string, error) {
	date := r.URL.Query().Get("date")
	if date == "" {
		return "", nil
	}
	if _, err := time.Parse(attendance.DateLayout, date); err != nil {
		return "", fmt.Errorf("invalid date %q, expected YYYY-MM-DD", date)
	}
	return date, nil
}

func (s *Server) exportAttendance(w http.ResponseWriter, r *http.Request) {
	date, err := dateParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = cast.ToIntE(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	recs, err := s.attendance.Records(r.Context(), date)
	if err != nil {
		s.logger.WithError(err).Warningf("failed to read attendance ledger")
		respondError(w, http.StatusInternalServerError, "failed to read attendance ledger")
		return
	}
	// The most recent rows are kept when a limit applies.
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="attendance.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	cw.Write(ledger.Header)
	for _, rec := range recs {
		cw.Write([]string{rec.Name, rec.Date, rec.Time, string(rec.Type)})
	}
	cw.Flush()
}

func (s *Server) today(w http.ResponseWriter, r *http.Request) {
	date := s.attendance.Today()
	recs, err := s.attendance.Records(r.Context(), date)
	if err != nil {
		s.logger.WithError(err).Warningf("failed to read attendance ledger")
		respondError(w, http.StatusInternalServerError, "failed to read attendance ledger")
		return
	}
	if recs == nil {
		recs = []attendance.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"date": date, "records": recs})
}
