package freshdesk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tesserahq/tessera-backend/internal/connector"
	"github.com/tesserahq/tessera-backend/internal/httpx"
	"github.com/tesserahq/tessera-backend/internal/model"
)

// SolutionsConnector ingests knowledge-base articles by walking
// categories → folders → articles.
type SolutionsConnector struct {
	inner *Connector
}

// NewSolutions reuses the ticket connector's domain and auth.
func NewSolutions(inner *Connector) *SolutionsConnector {
	return &SolutionsConnector{inner: inner}
}

var _ connector.LoadConnector = (*SolutionsConnector)(nil)

func (s *SolutionsConnector) Source() model.DocumentSource { return model.SourceFreshdeskSolutions }

type solutionCategory struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type solutionFolder struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type solutionArticle struct {
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	DescriptionText string `json:"description_text"`
	Status          int    `json:"status"`
	UpdatedAt       string `json:"updated_at"`
}

// Load walks the whole knowledge base, one folder per batch.
func (s *SolutionsConnector) Load(ctx context.Context, hb connector.Heartbeat) connector.BatchIterator {
	type folderRef struct {
		category solutionCategory
		folder   solutionFolder
	}
	var folders []folderRef
	loaded := false
	pos := 0

	return connector.IteratorFunc(func(ctx context.Context) ([]model.Document, bool, error) {
		if err := connector.CheckStop(hb); err != nil {
			return nil, false, err
		}

		if !loaded {
			categories, err := s.fetchCategories(ctx)
			if err != nil {
				return nil, false, fmt.Errorf("freshdesk solutions: categories: %w", err)
			}
			for _, cat := range categories {
				catFolders, err := s.fetchFolders(ctx, cat.ID)
				if err != nil {
					slog.Warn("freshdesk solutions category skipped", "category", cat.Name, "error", err)
					continue
				}
				for _, f := range catFolders {
					folders = append(folders, folderRef{category: cat, folder: f})
				}
			}
			loaded = true
		}

		if pos >= len(folders) {
			return nil, true, nil
		}

		ref := folders[pos]
		pos++

		articles, err := s.fetchArticles(ctx, ref.folder.ID)
		if err != nil {
			return nil, false, fmt.Errorf("freshdesk solutions: folder %d: %w", ref.folder.ID, err)
		}

		var docs []model.Document
		for _, a := range articles {
			// Status 2 = published; drafts stay out of the index.
			if a.Status != 2 {
				continue
			}
			link := fmt.Sprintf("%s/support/solutions/articles/%d",
				s.inner.baseURL, a.ID)
			updatedAt, _ := time.Parse(time.RFC3339, a.UpdatedAt)
			doc := model.Document{
				ID:                 solutionsIDPrefix + link,
				Source:             model.SourceFreshdeskSolutions,
				SemanticIdentifier: a.Title,
				Sections: []model.Section{{
					Kind: model.SectionText,
					Text: a.DescriptionText,
					Link: link,
				}},
				Metadata: map[string]string{
					"id":       strconv.FormatInt(a.ID, 10),
					"category": ref.category.Name,
					"folder":   ref.folder.Name,
					"link":     link,
				},
			}
			if !updatedAt.IsZero() {
				doc.DocUpdatedAt = &updatedAt
			}
			docs = append(docs, doc)
		}
		hb.Progress("freshdesk_solutions", len(docs))
		return docs, false, nil
	})
}

func (s *SolutionsConnector) fetchCategories(ctx context.Context) ([]solutionCategory, error) {
	var out []solutionCategory
	err := s.getJSON(ctx, fmt.Sprintf("%s/api/v2/solutions/categories", s.inner.baseURL), &out)
	return out, err
}

func (s *SolutionsConnector) fetchFolders(ctx context.Context, categoryID int64) ([]solutionFolder, error) {
	var out []solutionFolder
	err := s.getJSON(ctx, fmt.Sprintf("%s/api/v2/solutions/categories/%d/folders", s.inner.baseURL, categoryID), &out)
	return out, err
}

func (s *SolutionsConnector) fetchArticles(ctx context.Context, folderID int64) ([]solutionArticle, error) {
	var out []solutionArticle
	err := s.getJSON(ctx, fmt.Sprintf("%s/api/v2/solutions/folders/%d/articles", s.inner.baseURL, folderID), &out)
	return out, err
}

func (s *SolutionsConnector) getJSON(ctx context.Context, url string, out any) error {
	_, body, err := s.inner.pool.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     url,
		Headers: http.Header{"Authorization": []string{s.inner.auth}},
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
