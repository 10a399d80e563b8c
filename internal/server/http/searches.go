package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/edsu/docnow/internal/loader"
	"github.com/edsu/docnow/internal/search"
)

const backfillLimit = 100

type termReq struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type createSearchReq struct {
	UserID     string    `json:"userId"`
	Title      string    `json:"title"`
	Public     bool      `json:"public"`
	Terms      []termReq `json:"terms"`
	Expression string    `json:"expression,omitempty"`
	Active     bool      `json:"active"`
	AnnounceID string    `json:"announceId,omitempty"`
}

type updateSearchReq struct {
	Title      *string   `json:"title,omitempty"`
	Public     *bool     `json:"public,omitempty"`
	Terms      []termReq `json:"terms,omitempty"`
	Expression *string   `json:"expression,omitempty"`
	Active     *bool     `json:"active,omitempty"`
	AnnounceID string    `json:"announceId,omitempty"`
}

type searchResp struct {
	*search.Search
	Streaming loader.SearchStatus `json:"streaming"`
	Committed int                 `json:"committed"`
}

func (s *Server) searchResponse(rec *search.Search) searchResp {
	count, err := s.rt.Dedup().CommittedCount(rec.ID)
	if err != nil {
		s.log.Warn("commit count failed", zap.String("search", rec.ID), zap.Error(err))
	}
	return searchResp{
		Search:    rec,
		Streaming: s.rt.Controller().Status(rec.ID),
		Committed: count,
	}
}

func toTerms(reqs []termReq) []search.Term {
	out := make([]search.Term, 0, len(reqs))
	for _, tr := range reqs {
		if tr.Value == "" {
			continue
		}
		if tr.Type == "" {
			tr.Type = "keyword"
		}
		out = append(out, search.Term{Type: tr.Type, Value: tr.Value})
	}
	return out
}

func (s *Server) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	var req createSearchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	terms := toTerms(req.Terms)
	if len(terms) == 0 {
		writeError(w, http.StatusBadRequest, "at least one term is required")
		return
	}

	rec := &search.Search{
		UserID:     req.UserID,
		Title:      req.Title,
		Public:     req.Public,
		Expression: req.Expression,
	}
	rec.AddQuery(terms)
	if err := s.rt.Searches().Create(rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// one-shot historical backfill; live streaming never depends on it
	go s.backfill(rec.ID, rec.CurrentTerms())

	if req.Active {
		if _, err := s.rt.Controller().StartStream(r.Context(), rec.ID, req.AnnounceID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		rec, _ = s.rt.Searches().Get(rec.ID)
	}
	writeJSON(w, http.StatusCreated, s.searchResponse(rec))
}

func (s *Server) handleListSearches(w http.ResponseWriter, r *http.Request) {
	recs, err := s.rt.Searches().List(r.URL.Query().Get("user"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]searchResp, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.searchResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadSearch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.searchResponse(rec))
}

func (s *Server) handleUpdateSearch(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadSearch(w, r)
	if !ok {
		return
	}
	var req updateSearchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Title != nil {
		rec.Title = *req.Title
	}
	if req.Public != nil {
		rec.Public = *req.Public
	}
	if req.Expression != nil {
		rec.Expression = *req.Expression
	}
	queryEdited := false
	if terms := toTerms(req.Terms); len(terms) > 0 {
		rec.AddQuery(terms)
		queryEdited = true
	}
	if err := s.rt.Searches().Update(rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctrl := s.rt.Controller()
	switch {
	case req.Active != nil && *req.Active:
		if _, err := ctrl.StartStream(r.Context(), rec.ID, req.AnnounceID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case req.Active != nil:
		if err := ctrl.StopStream(r.Context(), rec.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case queryEdited && ctrl.Status(rec.ID).Active:
		// live query edit re-filters the serving connection
		if _, err := ctrl.StartStream(r.Context(), rec.ID, ""); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	rec, err := s.rt.Searches().Get(rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.searchResponse(rec))
}

func (s *Server) handleDeleteSearch(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadSearch(w, r)
	if !ok {
		return
	}
	if err := s.rt.Controller().StopStream(r.Context(), rec.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.rt.Searches().Delete(rec.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadSearch(w, r)
	if !ok {
		return
	}
	stats, err := s.rt.Controller().QueueStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	count, _ := s.rt.Dedup().CommittedCount(rec.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":     stats,
		"search":    rec.ID,
		"committed": count,
		"streaming": s.rt.Controller().Status(rec.ID),
	})
}

type postResp struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadSearch(w, r)
	if !ok {
		return
	}
	out := []postResp{}
	err := s.rt.Posts().ListPosts(rec.ID, 500, func(postID string, payload []byte) bool {
		out = append(out, postResp{ID: postID, Payload: payload})
		return true
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) loadSearch(w http.ResponseWriter, r *http.Request) (*search.Search, bool) {
	rec, err := s.rt.Searches().Get(chi.URLParam(r, "searchID"))
	if err != nil {
		if errors.Is(err, search.ErrNotFound) {
			writeError(w, http.StatusNotFound, "search not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return rec, true
}

// backfill runs the one-shot historical query for a new search and
// commits the results through the regular dedup path.
func (s *Server) backfill(searchID string, terms []string) {
	searcher := s.rt.Searcher()
	if searcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	posts, err := searcher.Search(ctx, terms, backfillLimit)
	if err != nil {
		s.log.Warn("backfill failed", zap.String("search", searchID), zap.Error(err))
		return
	}
	committed := 0
	for _, p := range posts {
		payload := []byte(p.Raw)
		if len(payload) == 0 {
			payload, _ = json.Marshal(p)
		}
		wrote, err := s.rt.Posts().CommitPost(ctx, searchID, p.ID, payload, time.Now().UnixMilli())
		if err != nil {
			s.log.Warn("backfill commit failed", zap.String("search", searchID), zap.Error(err))
			return
		}
		if wrote {
			committed++
		}
	}
	s.log.Info("backfill complete", zap.String("search", searchID), zap.Int("posts", committed))
}
