package shared

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/stockclose/internal/platform/httpx"
)

// IdempotencyHeader carries the client-chosen key of a retryable request.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotentBody = 1 << 20

// Middleware replays the stored outcome of requests carrying an
// Idempotency-Key header. Requests without the header pass through.
// Responses with status >= 500 are not stored so the client may retry.
func (c *RequestCache) Middleware(scope string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 255 {
				httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "idempotency key too long", "VALIDATION")
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "unreadable body", "VALIDATION")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			actor, _ := ActorFromContext(r.Context())
			fp := fingerprint(r.Method, r.URL.Path, actor.Subject, body)
			ctx := r.Context()
			stored, err := c.Begin(ctx, scope, actor.Subject+":"+key, fp)
			switch {
			case errors.Is(err, ErrRequestInFlight):
				httpx.ProblemCode(w, http.StatusConflict, "Request In Flight", err.Error(), "REQUEST_IN_FLIGHT")
				return
			case errors.Is(err, ErrIdempotencyMismatch):
				httpx.ProblemCode(w, http.StatusConflict, "Idempotency Key Reused", err.Error(), "IDEMPOTENCY_MISMATCH")
				return
			case err != nil:
				logger.Error("idempotency begin", slog.String("scope", scope), slog.Any("error", err))
				httpx.RespondError(w, httpx.ErrUnavailable)
				return
			case stored != nil:
				replay(w, *stored)
				return
			}

			rec := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			ctx = context.WithoutCancel(ctx)

			if rec.status >= http.StatusInternalServerError || !json.Valid(rec.body.Bytes()) {
				if err := c.Release(ctx, scope, actor.Subject+":"+key); err != nil {
					logger.Warn("idempotency release", slog.String("scope", scope), slog.Any("error", err))
				}
				return
			}
			resp := StoredResponse{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        json.RawMessage(rec.body.Bytes()),
			}
			if err := c.Complete(ctx, scope, actor.Subject+":"+key, fp, resp); err != nil {
				logger.Warn("idempotency complete", slog.String("scope", scope), slog.Any("error", err))
			}
		})
	}
}

func fingerprint(method, path, actor string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(actor))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, resp StoredResponse) {
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

type responseCapture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *responseCapture) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
