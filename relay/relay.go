// Package relay - Receives camera frames and re-streams the latest one as MJPEG.
package relay

import (
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-neckhead/httputil"
	"github.com/nvr-ai/go-neckhead/storage"
)

const (
	// DefaultInterval is the pause between two parts of the video stream.
	DefaultInterval = 50 * time.Millisecond
	// Boundary separates the parts of the video stream.
	Boundary = "frame"
	// DefaultMaxUploadBytes bounds a single frame upload.
	DefaultMaxUploadBytes = 16 << 20
	// fallbackExt names persisted frames whose type cannot be told.
	fallbackExt = ".jpg"
)

// Options configures a relay.
type Options struct {
	// Store persists uploaded frames. Nil or disabled skips persistence.
	Store *storage.Store
	// StaticDir is served under /static/. Empty disables it.
	StaticDir      string
	Interval       time.Duration
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// Relay serves the frame upload and stream endpoints.
type Relay struct {
	cell      *FrameCell
	store     *storage.Store
	staticDir string
	interval  time.Duration
	maxUpload int64
	logger    *zap.Logger
}

// UploadResponse is the body of a successful upload.
type UploadResponse struct {
	Message   string `json:"message"`
	SavedPath string `json:"saved_path,omitempty"`
}

// New creates a relay with an empty frame cell.
func New(opts Options) *Relay {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Relay{
		cell:      &FrameCell{},
		store:     opts.Store,
		staticDir: opts.StaticDir,
		interval:  opts.Interval,
		maxUpload: opts.MaxUploadBytes,
		logger:    opts.Logger,
	}
}

// Cell returns the frame cell the relay streams from.
func (rl *Relay) Cell() *FrameCell {
	return rl.cell
}

// Router returns the routes of the relay.
func (rl *Relay) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(httputil.RequestID(rl.logger))
	r.HandleFunc("/upload_image", rl.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/video_feed", rl.handleVideoFeed).Methods(http.MethodGet)
	r.HandleFunc("/health", httputil.Health).Methods(http.MethodGet)
	r.HandleFunc("/", handleIndex).Methods(http.MethodGet)
	if rl.staticDir != "" {
		r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir(rl.staticDir))))
	}
	return r
}

func (rl *Relay) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := rl.logger.With(zap.String("request_id", httputil.RequestIDFrom(r.Context())))

	upload, err := httputil.ReadUpload(w, r, "file", rl.maxUpload)
	if err != nil {
		log.Warn("rejected frame", zap.Error(err))
		var ue *httputil.UploadError
		if errors.As(err, &ue) {
			ue.Write(w)
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}

	seq := rl.cell.Set(upload.Data)
	resp := UploadResponse{Message: "Image received", SavedPath: rl.persist(log, upload)}

	log.Debug("frame received",
		zap.Uint64("seq", seq),
		zap.Int("bytes", len(upload.Data)),
		zap.String("saved_path", resp.SavedPath))

	httputil.WriteJSONOK(w, resp)
}

// persist stores the frame. Failures are logged and never fail the upload.
func (rl *Relay) persist(log *zap.Logger, upload *httputil.Upload) string {
	if rl.store == nil || !rl.store.Enabled() {
		return ""
	}

	ext := upload.Ext()
	if ext == "" {
		ext = mimetype.Detect(upload.Data).Extension()
	}
	if ext == "" {
		ext = fallbackExt
	}

	path, err := rl.store.Save(upload.Data, ext)
	if err != nil {
		log.Warn("failed to persist frame", zap.Error(err))
		return ""
	}
	return path
}

// handleVideoFeed writes the latest frame once per interval until the client goes away.
func (rl *Relay) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(Boundary); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(rl.interval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, ok := rl.cell.Latest()
		if !ok {
			continue
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {frame.ContentType}})
		if err == nil {
			_, err = part.Write(frame.Data)
		}
		if err != nil {
			rl.logger.Debug("video feed closed", zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

const indexHTML = `<!DOCTYPE html>
<html>
  <head>
    <title>Realtime Video</title>
    <style>
      body { margin: 0; background: #2c3e50; color: #ecf0f1; font-family: Arial, sans-serif;
             display: flex; flex-direction: column; align-items: center; min-height: 100vh; }
      h1 { font-size: 26px; font-weight: 600; margin-top: 20px; }
      .video { margin-top: 30px; border: 5px solid #34495e; box-shadow: 0 0 20px rgba(0, 0, 0, 0.5); }
      .video img { display: block; max-width: 100%; height: auto; }
    </style>
  </head>
  <body>
    <h1>REALTIME VIDEO</h1>
    <div class="video"><img src="/video_feed" alt="Real-time video feed"></div>
  </body>
</html>
`

func handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}
