package transport

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	replayHeader      = "X-Idempotent-Replay"
	maxBodyBytes      = 1 << 20
)

// Idempotency replays the stored response of a mutating request retried
// with the same X-Idempotency-Key. Keys are scoped to the caller and path.
// Only 2xx responses are stored, so a retry after a conflict re-executes.
// When the store is unavailable the request runs without deduplication.
func Idempotency(store idempotency.Store, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(idempotencyHeader)
			if clientKey == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				WriteError(w, model.NewBadRequestError("unreadable request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			subject := ""
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				subject = rctx.SubjectID
			}
			key := idempotency.Key(subject, r.URL.Path, clientKey)
			hash := idempotency.Hash(r.Method, r.URL.Path, body)
			log := observability.LoggerFrom(r.Context(), logger)

			cached, found, err := store.Check(r.Context(), key, hash)
			switch {
			case model.HasCode(err, model.ErrConflict):
				WriteError(w, err)
				return
			case err != nil:
				log.Warn("idempotency check failed, executing without deduplication", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			case found:
				metrics.RecordIdempotencyReplay()
				w.Header().Set(replayHeader, "true")
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 {
				return
			}
			resp := idempotency.Response{Status: rec.status, Body: rec.body.Bytes()}
			if err := store.Store(r.Context(), key, hash, resp, ttl); err != nil {
				log.Warn("idempotency store failed", zap.Error(err))
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// recordingWriter passes the response through while keeping a copy.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	written bool
	body    bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.written = true
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
