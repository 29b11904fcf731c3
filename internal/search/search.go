// Package search maintains a bleve full-text index over trip plans and
// conversation turns so users can find past planning work.
package search

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/mapping"

	core "github.com/voyatrip/voya/internal/agent/core"
)

// Document types stored in the index. The id prefix mirrors the type so hits
// can be routed back to trips or sessions.
const (
	DocTypeTrip = "trip"
	DocTypeTurn = "turn"
)

// Hit is one search result.
type Hit struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	Score    float64 `json:"score"`
	Fragment string  `json:"fragment,omitempty"`
}

// Index wraps a bleve index with the trip/turn document mappings.
type Index struct {
	idx bleve.Index
	log *log.Logger
}

// Open opens the index at path, creating it on first use. An empty path keeps
// the index in memory, which is how tests and the dev server run.
func Open(path string) (*Index, error) {
	logger := log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	if path == "" {
		idx, err := bleve.NewMemOnly(buildMapping())
		if err != nil {
			return nil, err
		}
		return &Index{idx: idx, log: logger}, nil
	}
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		logger.Printf("creating search index at %s", path)
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx, log: logger}, nil
}

func buildMapping() mapping.IndexMapping {
	// Exact-match fields keep the whole value as one term so uuids and
	// statuses survive the term filter.
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	textField := bleve.NewTextFieldMapping()

	trip := bleve.NewDocumentMapping()
	trip.AddFieldMappingsAt("user_id", keywordField)
	trip.AddFieldMappingsAt("status", keywordField)
	trip.AddFieldMappingsAt("title", textField)
	trip.AddFieldMappingsAt("cities", textField)
	trip.AddFieldMappingsAt("segments", textField)

	turn := bleve.NewDocumentMapping()
	turn.AddFieldMappingsAt("user_id", keywordField)
	turn.AddFieldMappingsAt("session_id", keywordField)
	turn.AddFieldMappingsAt("content", textField)

	m := bleve.NewIndexMapping()
	m.TypeField = "type"
	m.AddDocumentMapping(DocTypeTrip, trip)
	m.AddDocumentMapping(DocTypeTurn, turn)
	return m
}

func tripDocID(id string) string { return DocTypeTrip + ":" + id }

// IndexTrip replaces the trip's search document with its current state.
func (ix *Index) IndexTrip(ctx context.Context, trip *core.TripPlan) error {
	if trip == nil || trip.ID == "" {
		return fmt.Errorf("trip with id required")
	}
	var cities []string
	if trip.HomeCity != "" {
		cities = append(cities, trip.HomeCity)
	}
	var segments []string
	for i := range trip.Segments {
		seg := &trip.Segments[i]
		if seg == nil {
			continue
		}
		for _, key := range []string{"origin", "destination", "city", "pickup", "dropoff"} {
			if v := seg.Requirements.String(key); v != "" {
				cities = append(cities, v)
			}
		}
		if seg.SelectedOption != nil {
			segments = append(segments, seg.SelectedOption.Summary)
		} else {
			segments = append(segments, string(seg.Type))
		}
	}
	doc := map[string]interface{}{
		"type":     DocTypeTrip,
		"user_id":  trip.UserID,
		"title":    trip.Title,
		"cities":   strings.Join(cities, " "),
		"segments": strings.Join(segments, "; "),
		"status":   string(trip.Status),
	}
	return ix.idx.Index(tripDocID(trip.ID), doc)
}

// IndexTurn stores one finished conversation turn. The doc id is derived from
// the session and timestamp so re-indexing the same turn overwrites it.
func (ix *Index) IndexTurn(ctx context.Context, sessionID, userID, userMessage, reply string, at time.Time) error {
	if sessionID == "" {
		return fmt.Errorf("session_id required")
	}
	doc := map[string]interface{}{
		"type":       DocTypeTurn,
		"user_id":    userID,
		"session_id": sessionID,
		"content":    strings.TrimSpace(userMessage + "\n" + reply),
		"at":         at.UTC().Format(time.RFC3339),
	}
	return ix.idx.Index(fmt.Sprintf("%s:%s:%d", DocTypeTurn, sessionID, at.UnixNano()), doc)
}

// DeleteTrip drops the trip's document from the index.
func (ix *Index) DeleteTrip(id string) error {
	if id == "" {
		return fmt.Errorf("id required")
	}
	return ix.idx.Delete(tripDocID(id))
}

// Search runs a query-string search over the user's documents.
func (ix *Index) Search(ctx context.Context, userID, q string, limit int) ([]Hit, error) {
	if strings.TrimSpace(q) == "" {
		return nil, fmt.Errorf("query required")
	}
	if userID == "" {
		return nil, fmt.Errorf("user_id required")
	}
	if limit <= 0 {
		limit = 10
	}
	owner := bleve.NewTermQuery(userID)
	owner.SetField("user_id")
	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(owner, bleve.NewQueryStringQuery(q)), limit, 0, false)
	req.Highlight = bleve.NewHighlightWithStyle("html")
	res, err := ix.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		h := Hit{ID: hit.ID, Score: hit.Score}
		if i := strings.IndexByte(hit.ID, ':'); i > 0 {
			h.Type = hit.ID[:i]
			h.ID = hit.ID[i+1:]
		}
		for _, frags := range hit.Fragments {
			if len(frags) > 0 {
				h.Fragment = frags[0]
				break
			}
		}
		out = append(out, h)
	}
	return out, nil
}

// DocCount reports how many documents the index holds.
func (ix *Index) DocCount() (uint64, error) {
	return ix.idx.DocCount()
}

// Close releases the underlying index.
func (ix *Index) Close() error {
	return ix.idx.Close()
}
