package dto

// SubmitNotificationRequest is an object-created notification posted by an operator or an uploader.
type SubmitNotificationRequest struct {
	Collection  string `json:"collection" binding:"required"`
	Key         string `json:"key" binding:"required"`
	Version     string `json:"version"`
	ContentType string `json:"content_type"`
}

type SubmitNotificationResponse struct {
	JobKey string `json:"job_key"`
	Status string `json:"status"`
}

type ListFailuresRequest struct {
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListFailuresResponse struct {
	Failures   []JobDTO `json:"failures"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the ledger entry of one job key.
type JobDTO struct {
	JobKey      string `json:"job_key"`
	Collection  string `json:"collection"`
	SourceKey   string `json:"source_key"`
	Version     string `json:"version,omitempty"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	Releases    int    `json:"releases"`
	DerivedKey  string `json:"derived_key,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ReservedAt  string `json:"reserved_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

type ReplayJobResponse struct {
	Job          JobDTO `json:"job"`
	Requeued     bool   `json:"requeued"`
	RequeueError string `json:"requeue_error,omitempty"`
}
