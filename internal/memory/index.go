package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
)

// HistoryDocument is one consolidated summary stored in the index.
type HistoryDocument struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SessionKey string    `json:"session_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// SearchHit is one index match.
type SearchHit struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	SessionKey string  `json:"session_key"`
	Score      float64 `json:"score"`
}

// Index is a bleve full-text index over history entries, backing the
// memory_search tool.
type Index struct {
	index bleve.Index
}

// OpenIndex opens or creates the index under the memory directory.
func OpenIndex(memoryDir string) (*Index, error) {
	path := filepath.Join(memoryDir, "index.bleve")

	var index bleve.Index
	var err error
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		index, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create memory index: %w", err)
		}
	} else {
		index, err = bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open memory index: %w", err)
		}
	}
	return &Index{index: index}, nil
}

// buildIndexMapping creates the bleve index mapping for history entries.
func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	dateFieldMapping := bleve.NewDateTimeFieldMapping()

	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("session_key", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("created_at", dateFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Add indexes one history entry.
func (ix *Index) Add(sessionKey, content string) error {
	doc := HistoryDocument{
		ID:         uuid.NewString(),
		Content:    content,
		SessionKey: sessionKey,
		CreatedAt:  time.Now().UTC(),
	}
	return ix.index.Index(doc.ID, doc)
}

// Search runs a match query and returns up to limit hits.
func (ix *Index) Search(queryText string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 5
	}
	searchReq := bleve.NewSearchRequest(bleve.NewMatchQuery(queryText))
	searchReq.Size = limit
	searchReq.Fields = []string{"content", "session_key"}

	searchResult, err := ix.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	var hits []SearchHit
	for _, hit := range searchResult.Hits {
		content, _ := hit.Fields["content"].(string)
		sessionKey, _ := hit.Fields["session_key"].(string)
		hits = append(hits, SearchHit{
			ID:         hit.ID,
			Content:    content,
			SessionKey: sessionKey,
			Score:      hit.Score,
		})
	}
	return hits, nil
}

// Close releases the index.
func (ix *Index) Close() error {
	return ix.index.Close()
}
