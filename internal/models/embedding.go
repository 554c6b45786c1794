package models

// Chunk is a bounded span of a source document, the unit of embedding and retrieval.
// (SourceID, ChunkIndex) identifies a chunk within a collection.
type Chunk struct {
	Content    string         `json:"content"`
	SourceID   string         `json:"source_id"`
	ChunkIndex int            `json:"chunk_index"`
	Section    string         `json:"section,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SearchResult is a stored chunk matched by a query. Score is in [0,1], higher is better.
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	SourceID string         `json:"source_id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RetrievalContext holds the filtered results of one retrieval, in store order.
type RetrievalContext struct {
	Chunks      []SearchResult `json:"chunks"`
	TotalChunks int            `json:"total_chunks"`
}
