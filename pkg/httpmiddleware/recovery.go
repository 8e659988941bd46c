package httpmiddleware

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var internalErrorBody = func() []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.FieldStart("code")
	e.Int(http.StatusInternalServerError)
	e.FieldStart("message")
	e.Str("internal error")
	e.ObjEnd()
	return append([]byte(nil), e.Bytes()...)
}()

// Recovery turns a handler panic into a 500 with the API's JSON error body.
// The panic is logged with its stack and recorded on the active span.
// http.ErrAbortHandler is re-panicked so net/http can abort the response.
func Recovery(lg *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				lg.Error("Panic recovered",
					zap.String("http.method", r.Method),
					zap.String("http.path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				span := trace.SpanFromContext(r.Context())
				span.RecordError(errors.Errorf("panic: %v", rec))
				span.SetStatus(codes.Error, "panic")

				w.Header().Set("Connection", "close")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write(internalErrorBody)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
