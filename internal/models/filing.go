// Package models defines the domain and queue/budget wire types shared
// across the filing ingestion pipeline.
package models

import "time"

// FilingStatus is the monotone lifecycle state of a Filing.
type FilingStatus string

const (
	FilingStatusPending    FilingStatus = "PENDING"
	FilingStatusDownloaded FilingStatus = "DOWNLOADED"
	FilingStatusParsed     FilingStatus = "PARSED"
	FilingStatusAnalyzed   FilingStatus = "ANALYZED"
	FilingStatusFailed     FilingStatus = "FAILED"
)

// Issuer is unique by regulatory identifier (CIK).
type Issuer struct {
	ID          string    `json:"id"`
	CIK         string    `json:"cik"`
	Name        string    `json:"name"`
	Ticker      string    `json:"ticker,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Filing is unique by submission accession number.
type Filing struct {
	ID            string       `json:"id"`
	Accession     string       `json:"accession"`
	IssuerID      string       `json:"issuer_id"`
	FormType      string       `json:"form_type"`
	FiledAt       time.Time    `json:"filed_at"`
	SourceURLs    []string     `json:"source_urls"`
	Status        FilingStatus `json:"status"`
	DownloadedAt  time.Time    `json:"downloaded_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// BlobKind identifies which artifact of a filing a Blob holds.
type BlobKind string

const (
	BlobKindRaw      BlobKind = "RAW"
	BlobKindIndex    BlobKind = "INDEX"
	BlobKindText     BlobKind = "TEXT"
	BlobKindSections BlobKind = "SECTIONS"
)

// Blob is a content artifact for a filing, keyed by (filing, kind).
type Blob struct {
	ID          string    `json:"id"`
	FilingID    string    `json:"filing_id"`
	Kind        BlobKind  `json:"kind"`
	Location    string    `json:"location"` // opaque URI: s3://bucket/key or file://path
	ContentType string    `json:"content_type"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// Section is an ordered, titled text slice of a filing.
type Section struct {
	ID          string `json:"id"`
	FilingID    string `json:"filing_id"`
	Ordinal     int    `json:"ordinal"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	ContentHash string `json:"content_hash,omitempty"`
}

// AnalysisType tags the kind of LLM job a result came from.
type AnalysisType string

const (
	AnalysisTypeChunkSummary    AnalysisType = "section_chunk_summary"
	AnalysisTypeEntityExtract   AnalysisType = "entity_extraction"
	AnalysisTypeSectionDiff     AnalysisType = "section_diff"
)

// Analysis is the result of one LLM job, identified by an externally
// assigned job id (unique).
type Analysis struct {
	ID               string       `json:"id"`
	JobID            string       `json:"job_id"`
	FilingID         string       `json:"filing_id"`
	SectionID        string       `json:"section_id,omitempty"`
	Type             AnalysisType `json:"type"`
	Model            string       `json:"model"`
	Content          string       `json:"content"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	TotalTokens      int          `json:"total_tokens"`
	Extra            string       `json:"extra,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// EntityType is a closed set of structured-attribute categories, with
// "other" serving as the fallback for anything unrecognized.
type EntityType string

const (
	EntityTypeFinancialMetric EntityType = "financial_metric"
	EntityTypePerson          EntityType = "person"
	EntityTypeOrganization    EntityType = "organization"
	EntityTypeDate            EntityType = "date"
	EntityTypeRiskFactor      EntityType = "risk_factor"
	EntityTypeLegalProceeding EntityType = "legal_proceeding"
	EntityTypeOther           EntityType = "other"
)

// Entity is a structured attribute extracted from a section.
type Entity struct {
	ID         string     `json:"id"`
	FilingID   string     `json:"filing_id"`
	SectionID  string     `json:"section_id"`
	AnalysisID string     `json:"analysis_id,omitempty"`
	Type       EntityType `json:"type"`
	Label      string     `json:"label"`
	Confidence *float64   `json:"confidence,omitempty"`
	Excerpt    string     `json:"excerpt,omitempty"`
	Attributes string     `json:"attributes,omitempty"` // opaque structured blob (JSON)
}

// DiffStatus is the lifecycle state of a Diff.
type DiffStatus string

const (
	DiffStatusPending    DiffStatus = "PENDING"
	DiffStatusProcessing DiffStatus = "PROCESSING"
	DiffStatusCompleted  DiffStatus = "COMPLETED"
	DiffStatusFailed     DiffStatus = "FAILED"
	DiffStatusSkipped    DiffStatus = "SKIPPED"
)

// Diff is a comparison artifact uniquely keyed by the current filing id.
type Diff struct {
	ID                string     `json:"id"`
	CurrentFilingID   string     `json:"current_filing_id"`
	PreviousFilingID  string     `json:"previous_filing_id"`
	Status            DiffStatus `json:"status"`
	ExpectedSections  int        `json:"expected_sections"`
	ProcessedSections int        `json:"processed_sections"`
	Summary           string     `json:"summary,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ChangeType classifies how a section changed between filings.
type ChangeType string

const (
	ChangeTypeAddition  ChangeType = "addition"
	ChangeTypeRemoval   ChangeType = "removal"
	ChangeTypeUpdate    ChangeType = "update"
	ChangeTypeRewording ChangeType = "rewording"
)

// Impact classifies the business significance of a detected change.
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

// SectionDiff is one detected change within a Diff.
type SectionDiff struct {
	ID                string     `json:"id"`
	DiffID            string     `json:"diff_id"`
	CurrentSectionID  string     `json:"current_section_id,omitempty"`
	PreviousSectionID string     `json:"previous_section_id,omitempty"`
	AnalysisID        string     `json:"analysis_id,omitempty"`
	Ordinal           int        `json:"ordinal"`
	Title             string     `json:"title"`
	ChangeType        ChangeType `json:"change_type"`
	Summary           string     `json:"summary"` // <= 160 chars
	Impact            Impact     `json:"impact"`
	Confidence        *float64   `json:"confidence,omitempty"`
	Evidence          string     `json:"evidence,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
