package httputil

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get(HeaderRequestID))

	assert.Empty(t, RequestIDFrom(req.Context()))
}

func form(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestReadUpload(t *testing.T) {
	rec := httptest.NewRecorder()
	u, err := ReadUpload(rec, form(t, "file", "Frame.JPG", []byte("jpeg bytes")), "file", 1<<20)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), u.Data)
	assert.Equal(t, "Frame.JPG", u.Filename)
	assert.Equal(t, ".jpg", u.Ext())

	assert.Empty(t, (&Upload{Filename: "blob"}).Ext())
	assert.Equal(t, ".npz", (&Upload{Filename: "../../x/backbone.npz"}).Ext())
}

func TestReadUploadErrors(t *testing.T) {
	tests := []struct {
		name   string
		req    *http.Request
		max    int64
		status int
		code   string
	}{
		{
			name:   "missing field",
			req:    form(t, "other", "a.bin", []byte("x")),
			max:    1 << 20,
			status: http.StatusBadRequest,
			code:   "missing_file",
		},
		{
			name:   "not multipart",
			req:    httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader([]byte("x"))),
			max:    1 << 20,
			status: http.StatusBadRequest,
			code:   "invalid_form",
		},
		{
			name:   "too large",
			req:    form(t, "file", "a.bin", bytes.Repeat([]byte{0}, 4096)),
			max:    64,
			status: http.StatusRequestEntityTooLarge,
			code:   "payload_too_large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			_, err := ReadUpload(rec, tt.req, "file", tt.max)
			var ue *UploadError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tt.status, ue.Status)
			assert.Equal(t, tt.code, ue.Code)

			ue.Write(rec)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"code":"`+tt.code+`"`)
		})
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusUnprocessableEntity, "shape_mismatch", "bad shape")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"code":"shape_mismatch","error":"bad shape"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.HandlerFunc(Health)}

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, zap.NewNop()) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServeListenError(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:-1"}
	err := Serve(context.Background(), srv, zap.NewNop())
	assert.Error(t, err)
}
