package pipeline

// StageRecord is the durable per-(project, stage) state: what has been
// produced and whether every known input was covered.
type StageRecord struct {
	Exists    bool   `json:"exists"`
	Count     int    `json:"count"`
	Complete  bool   `json:"complete"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// ExtractionState is the terminal-or-not status of one source document.
type ExtractionState string

const (
	ExtractionPending   ExtractionState = "pending"
	ExtractionExtracted ExtractionState = "extracted"
	ExtractionFailed    ExtractionState = "failed"
)

// Terminal reports whether the state will not change without a re-run.
func (s ExtractionState) Terminal() bool {
	return s == ExtractionExtracted || s == ExtractionFailed
}

// ManifestEntry tracks extraction status for one source document.
type ManifestEntry struct {
	Document        string          `json:"document"`
	Status          ExtractionState `json:"status"`
	ContentHash     string          `json:"content_hash,omitempty"`
	LastExtractedAt string          `json:"last_extracted_at,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Manifest is the per-project extraction status file. Entries are
// updated one at a time so an interrupted run keeps completed history.
type Manifest struct {
	Entries map[string]ManifestEntry `json:"entries"`
}

// RemoteStatus records which remote search-service resources exist for
// a project. Persisted inside the project config.
type RemoteStatus struct {
	IsIndexed  bool   `json:"is_indexed"`
	IndexName  string `json:"index_name,omitempty"`
	HasSource  bool   `json:"has_source"`
	SourceName string `json:"source_name,omitempty"`
	HasAgent   bool   `json:"has_agent"`
	AgentName  string `json:"agent_name,omitempty"`
}

// ProjectConfig is the top-level project metadata file.
type ProjectConfig struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	CreatedAt   string       `json:"created_at"`
	Status      RemoteStatus `json:"status"`
}

// ProjectStatus is the full read-only pipeline view for one project.
type ProjectStatus struct {
	Project       string                `json:"project"`
	DocumentCount int                   `json:"document_count"`
	Stages        map[Stage]StageRecord `json:"stages"`
	Warnings      []string              `json:"warnings,omitempty"`
}
