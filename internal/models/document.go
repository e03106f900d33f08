package models

import "time"

// Document is one uploaded file. Content is only held for the duration of an ingestion.
type Document struct {
	ID       string
	Name     string
	Content  []byte
	Password string
}

// Page is one page of extracted text
type Page struct {
	Source  string `json:"source"`
	Number  int    `json:"page_number"`
	Content string `json:"content"`
}

// Chunk represents a parsed chunk with metadata
type Chunk struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	PageNumber int    `json:"page_number"`
	ChunkID    int    `json:"chunk_id"`
	Content    string `json:"content"`
	// Length is the rune count of Content.
	Length int `json:"length"`
	// Overlap is the number of leading runes shared with the previous chunk of the same page.
	Overlap int `json:"overlap"`
}

// ScoredChunk is a single retrieval hit
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float32 `json:"score"`
}

// IngestState is the terminal state of an ingestion run
type IngestState string

const (
	StateUpdated IngestState = "updated"
	StateFailed  IngestState = "failed"
)

type IngestResult struct {
	RunID     string      `json:"run_id"`
	State     IngestState `json:"state"`
	Documents int         `json:"documents"`
	Pages     int         `json:"pages"`
	Chunks    int         `json:"chunks"`
	Dimension int         `json:"dimension"`
	Duration  time.Duration
}

type PromptResponse struct {
	Query   string
	Prompt  string
	Source  string
	Content string
	Sources []ScoredChunk
}
