package jobs

import (
	"time"

	"github.com/bookwave/convcore/access"
	"github.com/bookwave/convcore/progress"
)

// Metadata is the persisted projection of a Job: every field except the
// transient stop signal and tracker. It doubles as the read model returned
// to callers, so a snapshot taken under the registry lock stays valid after
// the lock is released. Serialization is deterministic (fixed field order,
// sorted map keys), making re-saves of unchanged state byte-identical.
// Unknown fields in stored documents are ignored on load.
type Metadata struct {
	ID             string          `json:"job_id"`
	Type           string          `json:"job_type"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	LastEvent      *progress.Event `json:"last_event,omitempty"`
	Result         map[string]any  `json:"result,omitempty"`
	Request        *Request        `json:"request"`
	ResumeContext  *ResumeContext  `json:"resume_context,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	UserRole       string          `json:"user_role,omitempty"`
	Access         *access.Policy  `json:"access,omitempty"`
	RetryCounts    map[string]int  `json:"retry_counts,omitempty"`
	GeneratedFiles []string        `json:"generated_files,omitempty"`
}

// metadata builds the persisted/read snapshot. Caller holds the manager
// lock.
func (j *Job) metadata() *Metadata {
	j.syncFromTracker()
	return &Metadata{
		ID:             j.ID,
		Type:           j.Type,
		Status:         j.Status,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		ErrorMessage:   j.ErrorMessage,
		LastEvent:      j.LastEvent,
		Result:         j.Result,
		Request:        j.Request.clone(),
		ResumeContext:  j.ResumeContext,
		UserID:         j.UserID,
		UserRole:       j.UserRole,
		Access:         j.Access,
		RetryCounts:    j.RetryCounts,
		GeneratedFiles: j.GeneratedFiles,
	}
}

// fromMetadata rehydrates a Job from its persisted projection. The stop
// signal and tracker are recreated on resume, not here.
func fromMetadata(m *Metadata) *Job {
	return &Job{
		ID:             m.ID,
		Type:           m.Type,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
		ErrorMessage:   m.ErrorMessage,
		LastEvent:      m.LastEvent,
		Result:         m.Result,
		Request:        m.Request,
		ResumeContext:  m.ResumeContext,
		UserID:         m.UserID,
		UserRole:       m.UserRole,
		Access:         m.Access,
		RetryCounts:    m.RetryCounts,
		GeneratedFiles: m.GeneratedFiles,
	}
}
