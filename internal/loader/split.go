package loader

import (
	"strings"

	"research-rag/internal/models"
)

// Splitter cuts text into windows of at most Size runes, each overlapping the
// previous one by Overlap runes, preferring to break after a space, newline or period.
type Splitter struct {
	Size    int
	Overlap int
}

func (s Splitter) Split(content string) []string {
	if s.Size <= 0 {
		return nil
	}
	overlap := s.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= s.Size {
		overlap = s.Size / 2
	}

	runes := []rune(strings.TrimSpace(content))
	n := len(runes)
	if n == 0 {
		return nil
	}
	if n <= s.Size {
		return []string{string(runes)}
	}

	var chunks []string
	start := 0
	for start < n {
		end := min(start+s.Size, n)

		// look for a clean break in the last 10% of the window
		if end < n {
			lookBack := min(s.Size/10, end-start)
			for i := end - 1; i >= end-lookBack && i > start; i-- {
				if r := runes[i]; r == ' ' || r == '\n' || r == '.' {
					end = i + 1
					break
				}
			}
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= n {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// Chunks splits every section of doc, numbering chunks across the whole document.
func (s Splitter) Chunks(doc *Document) []models.Chunk {
	var chunks []models.Chunk
	for _, sec := range doc.Sections {
		for _, text := range s.Split(sec.Text) {
			meta := map[string]any{"path": doc.Path}
			if sec.Page > 0 {
				meta["page"] = sec.Page
			}
			chunks = append(chunks, models.Chunk{
				Content:    text,
				SourceID:   doc.SourceID,
				ChunkIndex: len(chunks),
				Section:    sec.Title,
				Metadata:   meta,
			})
		}
	}
	return chunks
}
