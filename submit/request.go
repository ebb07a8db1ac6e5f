package submit

import (
	"strings"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/job"
)

// ImportRequest queues ingestion of an uploaded dataset.
type ImportRequest struct {
	// ID is optional; resubmitting the same id is a no-op. It travels
	// beside the payload, not inside it.
	ID         job.ID `json:"-"`
	SourceType string `json:"sourceType"`
	FileName   string `json:"fileName"`
	OrgID      string `json:"orgId"`
	UserID     string `json:"userId"`
}

// ExportRequest queues a cartographic render of a project.
type ExportRequest struct {
	ID        job.ID `json:"-"`
	ProjectID string `json:"projectId"`
	Format    string `json:"format"`
	DPI       int    `json:"dpi"`
	OrgID     string `json:"orgId"`
	UserID    string `json:"userId"`
}

// AIRequest queues an AI-assisted generation task. Task selects the handler.
type AIRequest struct {
	ID        job.ID `json:"-"`
	ProjectID string `json:"projectId"`
	Task      string `json:"task"`
	Prompt    string `json:"prompt"`
	OrgID     string `json:"orgId"`
	UserID    string `json:"userId"`
}

const (
	DefaultSourceType = "geojson"
	MinDPI            = 72
	MaxDPI            = 600
)

// Validator checks and normalizes requests before they are queued. Errors
// should be *dispatch.SubmissionError values.
type Validator interface {
	ValidateImport(r *ImportRequest) error
	ValidateExport(r *ExportRequest) error
	ValidateAI(r *AIRequest) error
}

// DefaultValidator applies the route rules of the map editor.
type DefaultValidator struct{}

var _ Validator = DefaultValidator{}

func (DefaultValidator) ValidateImport(r *ImportRequest) error {
	if strings.TrimSpace(r.SourceType) == "" {
		r.SourceType = DefaultSourceType
	}
	if strings.TrimSpace(r.FileName) == "" {
		return dispatch.Invalid("fileName", "missing file")
	}
	return tenant(r.OrgID, r.UserID)
}

func (DefaultValidator) ValidateExport(r *ExportRequest) error {
	if r.ProjectID == "" {
		return dispatch.Invalid("projectId", "required")
	}
	if r.Format == "" {
		return dispatch.Invalid("format", "required")
	}
	if r.DPI < MinDPI || r.DPI > MaxDPI {
		return dispatch.Invalid("dpi", "must be between 72 and 600")
	}
	return tenant(r.OrgID, r.UserID)
}

func (DefaultValidator) ValidateAI(r *AIRequest) error {
	if r.ProjectID == "" {
		return dispatch.Invalid("projectId", "required")
	}
	if _, err := job.ParseKind(job.FamilyAI, r.Task); err != nil {
		return dispatch.Invalid("task", "must be one of text2map, ocr2vector, styleFromPrompt")
	}
	if r.Prompt == "" {
		return dispatch.Invalid("prompt", "required")
	}
	return tenant(r.OrgID, r.UserID)
}

func tenant(orgID, userID string) error {
	if orgID == "" {
		return dispatch.Invalid("orgId", "required")
	}
	if userID == "" {
		return dispatch.Invalid("userId", "required")
	}
	return nil
}
