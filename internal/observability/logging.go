package observability

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

type loggerKey struct{}

// NewLogger builds the service's JSON logger. Every entry carries
// service=caseflow.
//
// Levels:
//   - error: store or broker failures, audit writes lost, reconciliation
//   - warn:  4xx responses, dropped notifications, lost escalation claims
//   - info:  requests, transitions, approval decisions, configuration writes
//   - debug: configuration resolution, redacted request bodies
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder.EncodeDuration = zapcore.MillisDurationEncoder

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": "caseflow"},
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's subject,
// site, roles and correlation ids.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.Site != "" {
		fields = append(fields, zap.String("site", rctx.Site))
	}
	if len(rctx.Roles) > 0 {
		fields = append(fields, zap.Strings("roles", rctx.Roles))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// credentialKeys are always masked, whatever the configuration says.
var credentialKeys = []string{
	"password", "secret", "token", "access_token", "refresh_token",
	"api_key", "authorization",
}

// Redactor masks named keys in decoded JSON payloads before they are logged.
// Keys match case-insensitively at any depth, including inside arrays.
type Redactor struct {
	keys map[string]struct{}
}

// NewRedactor masks the credential keys plus extra. Case payloads carry free
// text such as notes and reasons, which deployments list in
// observability.redact_fields.
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{keys: make(map[string]struct{}, len(credentialKeys)+len(extra))}
	for _, k := range credentialKeys {
		r.keys[k] = struct{}{}
	}
	for _, k := range extra {
		r.keys[strings.ToLower(k)] = struct{}{}
	}
	return r
}

// Redact returns a masked copy of v. Inputs are never modified.
func (r *Redactor) Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, ok := r.keys[strings.ToLower(k)]; ok {
				out[k] = redacted
				continue
			}
			out[k] = r.Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.Redact(val)
		}
		return out
	default:
		return v
	}
}

// Body returns a log field holding the masked JSON body. Bodies that do not
// decode are logged by size only.
func (r *Redactor) Body(body []byte) zap.Field {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return zap.Int("body_bytes", len(body))
	}
	return zap.Any("body", r.Redact(v))
}
