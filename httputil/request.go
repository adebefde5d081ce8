package httputil

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HeaderRequestID carries the per-request id in both directions.
const HeaderRequestID = "X-Request-ID"

// multipartMemory is how much of a form is held in memory before spilling to disk.
const multipartMemory = 32 << 20

type requestIDKey struct{}

// RequestIDFrom returns the id assigned by RequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID assigns every request an id, echoes it in the response header and logs the
// request once it completes. An incoming X-Request-ID is kept.
func RequestID(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if id == "" {
				id = uuid.New().String()
			}
			w.Header().Set(HeaderRequestID, id)

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

			logger.Debug("request served",
				zap.String("request_id", id),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush lets streaming handlers flush through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Upload is one file read from a multipart form.
type Upload struct {
	Data     []byte
	Filename string
}

// Ext returns the lower-case extension of the client file name, or "".
func (u *Upload) Ext() string {
	return strings.ToLower(filepath.Ext(filepath.Base(u.Filename)))
}

// UploadError describes why a form upload was rejected.
type UploadError struct {
	Status int
	Code   string
	Err    error
}

func (e *UploadError) Error() string {
	return e.Err.Error()
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Write sends the error as a JSON response.
func (e *UploadError) Write(w http.ResponseWriter) {
	WriteError(w, e.Status, e.Code, e.Error())
}

// ReadUpload reads the multipart file field from r, limiting the body to maxBytes.
//
// Arguments:
//   - w: The response writer, needed by the body limit.
//   - r: The request.
//   - field: The form field holding the file.
//   - maxBytes: The largest accepted body.
//
// Returns:
//   - *Upload: The file contents and client file name.
//   - error: An *UploadError with the status to answer with.
func ReadUpload(w http.ResponseWriter, r *http.Request, field string, maxBytes int64) (*Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			return nil, &UploadError{
				Status: http.StatusRequestEntityTooLarge,
				Code:   "payload_too_large",
				Err:    errors.Errorf("request body exceeds %d bytes", maxBytes),
			}
		}
		return nil, &UploadError{Status: http.StatusBadRequest, Code: "invalid_form", Err: err}
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, &UploadError{
			Status: http.StatusBadRequest,
			Code:   "missing_file",
			Err:    errors.Wrapf(err, "form field %q", field),
		}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, &UploadError{Status: http.StatusBadRequest, Code: "invalid_form", Err: err}
	}

	return &Upload{Data: data, Filename: header.Filename}, nil
}

// isTooLarge detects the body limit through the multipart reader, which does not always wrap
// the original error.
func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large")
}
