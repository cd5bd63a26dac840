package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ned1313/pub-registry/internal/database"
)

// AuditLogger persists audit entries
type AuditLogger interface {
	Log(ctx context.Context, entry *database.AuditEntry) error
}

// AuditSink records events in the audit log table
type AuditSink struct {
	repo AuditLogger
}

// NewAuditSink creates a sink writing to repo
func NewAuditSink(repo AuditLogger) *AuditSink {
	return &AuditSink{repo: repo}
}

// Name identifies the sink in logs and metrics
func (s *AuditSink) Name() string { return "audit" }

// Handle writes e as one audit entry
func (s *AuditSink) Handle(ctx context.Context, e Event) error {
	entry := &database.AuditEntry{
		Event:       string(e.Type),
		PackageName: database.NullString(e.Package),
		Version:     database.NullString(e.Version),
		Actor:       database.NullString(e.Actor),
		CreatedAt:   e.Time,
	}
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode event metadata: %w", err)
		}
		entry.Metadata = database.NullString(string(data))
	}
	return s.repo.Log(ctx, entry)
}

// LogSink writes events to a logger
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a sink writing to log
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

// Name identifies the sink in logs and metrics
func (s *LogSink) Name() string { return "log" }

// Handle logs e at info level
func (s *LogSink) Handle(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("type", string(e.Type)),
		zap.Time("time", e.Time),
	}
	if e.Package != "" {
		fields = append(fields, zap.String("package", e.Package))
	}
	if e.Version != "" {
		fields = append(fields, zap.String("version", e.Version))
	}
	if e.Actor != "" {
		fields = append(fields, zap.String("actor", e.Actor))
	}
	if len(e.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", e.Metadata))
	}
	s.log.Info("registry event", fields...)
	return nil
}
