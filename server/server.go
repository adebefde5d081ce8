// Package server - HTTP surface of the neck/head detection service.
package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-neckhead/graph"
	"github.com/nvr-ai/go-neckhead/httputil"
	"github.com/nvr-ai/go-neckhead/inference"
	"github.com/nvr-ai/go-neckhead/models/postprocess"
	"github.com/nvr-ai/go-neckhead/payload"
	"github.com/nvr-ai/go-neckhead/profiler"
	"github.com/nvr-ai/go-neckhead/storage"
)

// DefaultMaxUploadBytes bounds the request body when Options leaves it unset.
const DefaultMaxUploadBytes = 64 << 20

// Detector runs the pipeline. *inference.Engine implements it.
type Detector interface {
	Detect(ctx context.Context, backbone []graph.FeatureMap) (*inference.Result, error)
}

// Options configures a Server.
type Options struct {
	Detector Detector
	// Store persists raw uploads. Nil or disabled skips persistence.
	Store          *storage.Store
	Profiler       *profiler.RuntimeProfiler
	Logger         *zap.Logger
	MaxUploadBytes int64
}

// Server handles detection requests.
type Server struct {
	detector  Detector
	store     *storage.Store
	profiler  *profiler.RuntimeProfiler
	logger    *zap.Logger
	maxUpload int64
}

// ProcessResponse is the body of a successful detection request.
type ProcessResponse struct {
	Detections []postprocess.Detection `json:"detections"`
	SavedPath  string                  `json:"saved_path,omitempty"`
}

// New creates a server.
func New(opts Options) (*Server, error) {
	if opts.Detector == nil {
		return nil, errors.New("server requires a detector")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Profiler == nil {
		opts.Profiler = profiler.NewRuntimeProfiler(profiler.ProfilingOptions{Logger: opts.Logger})
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Server{
		detector:  opts.Detector,
		store:     opts.Store,
		profiler:  opts.Profiler,
		logger:    opts.Logger,
		maxUpload: opts.MaxUploadBytes,
	}, nil
}

// Router returns the routes of the service.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(httputil.RequestID(s.logger))
	r.HandleFunc("/process_neck_head", s.handleProcess).Methods(http.MethodPost)
	r.HandleFunc("/health", httputil.Health).Methods(http.MethodGet)
	r.Handle("/metrics", s.profiler.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	defer s.profiler.StartOperation(profiler.StageRequest)()

	ctx := r.Context()
	log := s.logger.With(zap.String("request_id", httputil.RequestIDFrom(ctx)))

	upload, err := httputil.ReadUpload(w, r, "file", s.maxUpload)
	if err != nil {
		log.Warn("rejected upload", zap.Error(err))
		var ue *httputil.UploadError
		if errors.As(err, &ue) {
			ue.Write(w)
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}

	savedPath := s.persist(log, upload)

	done := s.profiler.StartOperation(profiler.StageDecode)
	backbone, err := payload.DecodeLimit(upload.Data, s.maxUpload)
	done()
	if err != nil {
		s.writeError(w, log, err)
		return
	}

	res, err := s.detector.Detect(ctx, backbone)
	if err != nil {
		s.writeError(w, log, err)
		return
	}

	log.Info("processed payload",
		zap.Int("backbone", len(backbone)),
		zap.Int("candidates", res.Candidates),
		zap.Int("detections", len(res.Detections)),
		zap.String("saved_path", savedPath))

	httputil.WriteJSONOK(w, ProcessResponse{Detections: res.Detections, SavedPath: savedPath})
}

// persist stores the raw upload. Failures are logged and never fail the request.
func (s *Server) persist(log *zap.Logger, upload *httputil.Upload) string {
	if s.store == nil || !s.store.Enabled() {
		return ""
	}

	ext := upload.Ext()
	if ext == "" {
		ext = payload.Extension(payload.Detect(upload.Data))
	}

	done := s.profiler.StartOperation(profiler.StagePersist)
	path, err := s.store.Save(upload.Data, ext)
	done()
	if err != nil {
		log.Warn("failed to persist backbone payload", zap.Error(err))
		return ""
	}
	return path
}

// writeError maps pipeline errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case payload.IsDeserialization(err):
		log.Warn("undecodable payload", zap.Error(err))
		httputil.BadRequest(w, "deserialization_error", err.Error())
	case graph.IsShapeMismatch(err):
		log.Warn("payload does not fit the graph", zap.Error(err))
		httputil.WriteError(w, http.StatusUnprocessableEntity, "shape_mismatch", err.Error())
	default:
		log.Error("pipeline failed", zap.Error(err))
		httputil.InternalServerError(w, err.Error())
	}
}
