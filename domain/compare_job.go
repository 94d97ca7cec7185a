package domain

import "time"

type CompareJobStatus string

const (
	CompareJobStatusQueued     CompareJobStatus = "queued"
	CompareJobStatusProcessing CompareJobStatus = "processing"
	CompareJobStatusReady      CompareJobStatus = "ready"
	// CompareJobStatusPartial means at least one page compared and at least one page failed.
	CompareJobStatusPartial   CompareJobStatus = "partial"
	CompareJobStatusFailed    CompareJobStatus = "failed"
	CompareJobStatusCancelled CompareJobStatus = "cancelled"
)

// Done reports whether the job will not be picked up again.
func (s CompareJobStatus) Done() bool {
	switch s {
	case CompareJobStatusReady, CompareJobStatusPartial, CompareJobStatusFailed, CompareJobStatusCancelled:
		return true
	}
	return false
}

type CompareJob struct {
	ID        string           `json:"jobId"`
	Status    CompareJobStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`

	// Inputs: every object under "{TaskID}/" in storage is loaded into the task workspace,
	// then ExcelName and PDFName are compared.
	TaskID    string `json:"taskId"`
	ExcelName string `json:"excelName"`
	PDFName   string `json:"pdfName"`
	Parallel  bool   `json:"parallel"`

	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	Result *ComparisonResult `json:"result,omitempty"`

	// Diagnostics (non-sensitive)
	Error     string      `json:"error,omitempty"`
	ErrorKind FailureKind `json:"errorKind,omitempty"`
}
