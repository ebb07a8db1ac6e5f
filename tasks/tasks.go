// Package tasks holds the default handlers for every task kind. They stand
// in for the import pipeline, the export renderer and the AI services,
// which live outside this module, and produce the results those services
// report.
package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/job"
	"github.com/Mudityadev/charles-map/dispatch/submit"
)

type ImportResult struct {
	Status string `json:"status"`
}

type ExportResult struct {
	DownloadURL string `json:"downloadUrl"`
}

type AIResult struct {
	Status   string `json:"status"`
	AssetRef string `json:"assetRef"`
}

// Handlers produces results addressed under the configured storage prefixes.
type Handlers struct {
	ExportPrefix string
	AIPrefix     string
	Logger       *slog.Logger
}

// Default returns Handlers writing to s3://exports and s3://ai.
func Default(logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		ExportPrefix: "s3://exports",
		AIPrefix:     "s3://ai",
		Logger:       logger,
	}
}

// Register binds the handlers of the given families (all when none given).
func (h *Handlers) Register(reg *job.Registry, families ...job.Family) {
	if len(families) == 0 {
		families = job.Families()
	}
	for _, f := range families {
		switch f {
		case job.FamilyImport:
			job.RegisterDefinition(reg, job.NewDefinition(job.KindImport, h.Import))
		case job.FamilyExport:
			job.RegisterDefinition(reg, job.NewDefinition(job.KindExport, h.Export))
		case job.FamilyAI:
			for _, k := range job.Kinds(job.FamilyAI) {
				job.RegisterDefinition(reg, job.NewDefinition(k, h.AI))
			}
		}
	}
}

func (h *Handlers) Import(ctx context.Context, in submit.ImportRequest) (ImportResult, error) {
	h.Logger.InfoContext(ctx, "processing import",
		slog.String("job_id", jobID(ctx)),
		slog.String("source_type", in.SourceType),
		slog.String("file_name", in.FileName),
		slog.String("org_id", in.OrgID),
	)
	return ImportResult{Status: "completed"}, nil
}

func (h *Handlers) Export(ctx context.Context, in submit.ExportRequest) (ExportResult, error) {
	id := jobID(ctx)
	if id == "" {
		return ExportResult{}, dispatch.Terminal(fmt.Errorf("export: no job in context"))
	}
	h.Logger.InfoContext(ctx, "rendering export",
		slog.String("job_id", id),
		slog.String("project_id", in.ProjectID),
		slog.String("format", in.Format),
		slog.Int("dpi", in.DPI),
	)
	return ExportResult{DownloadURL: fmt.Sprintf("%s/%s.zip", h.ExportPrefix, id)}, nil
}

func (h *Handlers) AI(ctx context.Context, in submit.AIRequest) (AIResult, error) {
	id := jobID(ctx)
	if id == "" {
		return AIResult{}, dispatch.Terminal(fmt.Errorf("ai: no job in context"))
	}
	h.Logger.InfoContext(ctx, "running ai task",
		slog.String("job_id", id),
		slog.String("task", in.Task),
		slog.String("project_id", in.ProjectID),
	)
	return AIResult{Status: "generated", AssetRef: fmt.Sprintf("%s/%s.json", h.AIPrefix, id)}, nil
}

func jobID(ctx context.Context) string {
	if rec, ok := job.FromContext(ctx); ok {
		return string(rec.ID)
	}
	return ""
}
