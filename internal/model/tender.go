package model

import "time"

// CandidateTender is a tender surfaced by the search collaborator, not yet
// evaluated. The URL doubles as the candidate's identifier. Consumed
// read-only by the pipeline.
type CandidateTender struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Name         string            `json:"name"`
	Organization string            `json:"organization"`
	SourceType   string            `json:"source_type"`
	PublishedAt  *time.Time        `json:"published_at,omitempty"`
	Deadline     *time.Time        `json:"deadline,omitempty"`
	SearchMatch  map[string]string `json:"search_match,omitempty"`
}

// ExtractionStatus is the terminal state of document extraction for a tender.
type ExtractionStatus string

const (
	ExtractionSuccess ExtractionStatus = "success"
	ExtractionFailed  ExtractionStatus = "failed"
	ExtractionSkipped ExtractionStatus = "skipped"
)

// UploadedFile records one extracted document stored for a tender.
type UploadedFile struct {
	Filename   string `json:"filename"`
	StorageKey string `json:"storage_key"`
	SizeBytes  int64  `json:"size_bytes"`
	// Namespace is the per-file embedding namespace used for vector cleanup.
	Namespace string `json:"namespace,omitempty"`
}

// TenderLocation holds location fields parsed from tender metadata.
type TenderLocation struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}

// TenderAnalysisResult is the final artifact of the pipeline for one tender.
// Owned by the pipeline until persisted.
type TenderAnalysisResult struct {
	ID           string            `json:"id"`
	AnalysisID   string            `json:"analysis_id"`
	DocumentID   string            `json:"document_id"`
	TenderURL    string            `json:"tender_url"`
	Name         string            `json:"name"`
	Organization string            `json:"organization"`
	SourceType   string            `json:"source_type"`
	Score        float64           `json:"score"`
	Criteria     []CriterionResult `json:"criteria"`
	Description  string            `json:"description"`
	Location     TenderLocation    `json:"location"`
	Files        []UploadedFile    `json:"files"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	OpenedAt     *time.Time        `json:"opened_at,omitempty"`
}

// FilterStage identifies the pipeline stage at which a tender was rejected.
type FilterStage string

const (
	StageInitialAIFilter     FilterStage = "INITIAL_AI_FILTER"
	StageFileExtraction      FilterStage = "FILE_EXTRACTION"
	StageAIDescriptionFilter FilterStage = "AI_DESCRIPTION_FILTER"
)

// FilteredOutRecord archives a tender rejected at any filtering stage.
// Write-once, never updated.
type FilteredOutRecord struct {
	ID           string         `json:"id"`
	AnalysisID   string         `json:"analysis_id"`
	RunID        string         `json:"run_id"`
	TenderURL    string         `json:"tender_url"`
	Name         string         `json:"name"`
	Organization string         `json:"organization"`
	Stage        FilterStage    `json:"stage"`
	Reason       string         `json:"reason"`
	Snapshot     map[string]any `json:"snapshot,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
