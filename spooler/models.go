package spooler

import "time"

// FileStatus is the lifecycle state of a manifest entry.
type FileStatus string

const (
	StatusProcessing FileStatus = "processing"
	StatusCommitted  FileStatus = "committed"
	StatusError      FileStatus = "error"
	StatusDeleted    FileStatus = "deleted"
)

// FileManifestEntry records one ingested file. Digest is unique among
// entries that are not deleted (see migrate).
type FileManifestEntry struct {
	ID             uint       `gorm:"primaryKey"`
	Path           string     `gorm:"size:1024;index"`
	Digest         string     `gorm:"size:64;not null;index"`
	SizeBytes      int64
	ModTime        time.Time
	SourceHost     string     `gorm:"size:255"`
	SourceApp      string     `gorm:"size:255"`
	Format         string     `gorm:"size:32"`
	StartedAt      time.Time  `gorm:"index"`
	CompletedAt    *time.Time
	Status         FileStatus `gorm:"size:16;not null;index"`
	LastError      string     `gorm:"type:text"`
	QuarantinePath string     `gorm:"size:1024"`
	Attempts       int
	DeletedAt      *time.Time
}

func (FileManifestEntry) TableName() string { return "file_manifest" }

// AttemptOutcome is the result of one ingest attempt.
type AttemptOutcome string

const (
	AttemptRunning   AttemptOutcome = "running"
	AttemptCommitted AttemptOutcome = "committed"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptAbandoned AttemptOutcome = "abandoned"
)

// IngestAttempt is the audit row opened for every claim of a manifest entry.
// Rows are closed once and never reused.
type IngestAttempt struct {
	ID           string         `gorm:"primaryKey;size:36"`
	FileID       uint           `gorm:"not null;index"`
	StartedAt    time.Time
	FinishedAt   *time.Time
	Outcome      AttemptOutcome `gorm:"size:16;index"`
	Reason       string         `gorm:"type:text"`
	LinesWritten int
}

func (IngestAttempt) TableName() string { return "ingest_attempts" }

// EventOccurrence is one stored line. (FileID, LineNo) is unique.
type EventOccurrence struct {
	ID                uint       `gorm:"primaryKey"`
	FileID            uint       `gorm:"not null;uniqueIndex:uniq_event_file_line"`
	LineNo            int        `gorm:"not null;uniqueIndex:uniq_event_file_line"`
	ByteOffset        int64
	EventTime         *time.Time `gorm:"index;index:idx_event_host_app_time,priority:3"`
	Level             string     `gorm:"size:8;index"`
	Message           string     `gorm:"type:text"`
	Attrs             string     `gorm:"type:text"` // JSON object, empty when none
	SourceHost        string     `gorm:"size:255;index:idx_event_host_app_time,priority:1"`
	SourceApp         string     `gorm:"size:255;index:idx_event_host_app_time,priority:2"`
	Format            string     `gorm:"size:32"`
	RawExcerpt        string     `gorm:"type:text"`
	ContentDigest     string     `gorm:"size:64;index"`
	PossibleDuplicate bool
	IngestedAt        time.Time `gorm:"not null;index"`
}

func (EventOccurrence) TableName() string { return "event_occurrences" }

// Severity of an alert.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert codes.
const (
	CodeStorageHigh           = "STORAGE_HIGH"
	CodeQuarantineNew         = "QUARANTINE_NEW"
	CodeIngestionBackpressure = "INGESTION_BACKPRESSURE"
	CodeStorageUnreachable    = "STORAGE_UNREACHABLE"
	CodePruneFailure          = "PRUNE_FAILURE"
)

type Alert struct {
	ID        uint      `gorm:"primaryKey"`
	Severity  Severity  `gorm:"size:8;index"`
	Code      string    `gorm:"size:48;index"`
	Message   string    `gorm:"type:text"`
	Metadata  string    `gorm:"type:text"`
	DedupKey  string    `gorm:"size:512;index"`
	CreatedAt time.Time `gorm:"index"`
}

func (Alert) TableName() string { return "alerts" }

// Annotation attaches opaque content to a stored event.
type Annotation struct {
	ID        uint   `gorm:"primaryKey"`
	EventID   uint   `gorm:"not null;index"`
	Kind      string `gorm:"size:32"`
	Body      string `gorm:"type:text"`
	CreatedAt time.Time
}

func (Annotation) TableName() string { return "annotations" }
