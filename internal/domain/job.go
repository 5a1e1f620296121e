package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCanceled   JobStatus = "CANCELED"
)

// Terminal reports whether no further transitions are permitted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCanceled},
}

// CanTransition reports whether a job may move from one status to another.
// PROCESSING -> PROCESSING is allowed so progress updates can be persisted.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureKind classifies why a job ended in FAILED.
type FailureKind string

const (
	FailureUpload      FailureKind = "upload"
	FailureSubmit      FailureKind = "submit"
	FailureBackend     FailureKind = "backend"
	FailureTimeout     FailureKind = "timeout"
	FailureUnfetchable FailureKind = "unfetchable"
	FailureInternal    FailureKind = "internal"
	FailureInterrupted FailureKind = "interrupted"
)

// InputName identifies one of the uploaded inputs of a transfer request.
type InputName string

const (
	InputSeedImage      InputName = "seed_image"
	InputSeedMask       InputName = "seed_mask"
	InputReferenceImage InputName = "reference_image"
	InputReferenceMask  InputName = "reference_mask"
)

// InputNames lists every input a transfer request carries, in form order.
var InputNames = []InputName{InputSeedImage, InputSeedMask, InputReferenceImage, InputReferenceMask}

// TransferMode selects how much of the reference appearance is carried over.
type TransferMode string

const (
	TransferFaceOnly              TransferMode = "face_only"
	TransferFaceClothes           TransferMode = "face_clothes"
	TransferFaceClothesBackground TransferMode = "face_clothes_background"
)

// ParseTransferMode normalizes a user supplied mode, defaulting to face_only.
func ParseTransferMode(v string) (TransferMode, bool) {
	switch TransferMode(v) {
	case "":
		return TransferFaceOnly, true
	case TransferFaceOnly, TransferFaceClothes, TransferFaceClothesBackground:
		return TransferMode(v), true
	}
	return "", false
}

// Job is one hairstyle-transfer request tracked through its lifecycle.
type Job struct {
	ID          string               `json:"job_id"`
	Status      JobStatus            `json:"status"`
	Progress    string               `json:"progress,omitempty"`
	Percent     int                  `json:"progress_percent"`
	Backend     string               `json:"backend"`
	TaskID      string               `json:"task_id,omitempty"`
	Mode        TransferMode         `json:"mode,omitempty"`
	Locale      string               `json:"locale,omitempty"`
	Country     string               `json:"country,omitempty"`
	InputRefs   map[InputName]string `json:"input_refs,omitempty"`
	ResultURL   string               `json:"result_url,omitempty"`
	Error       string               `json:"error,omitempty"`
	FailureKind FailureKind          `json:"failure_kind,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	SubmittedAt *time.Time           `json:"submitted_at,omitempty"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.InputRefs != nil {
		out.InputRefs = make(map[InputName]string, len(j.InputRefs))
		for k, v := range j.InputRefs {
			out.InputRefs[k] = v
		}
	}
	if j.SubmittedAt != nil {
		t := *j.SubmittedAt
		out.SubmittedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
