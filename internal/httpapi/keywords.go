package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/manenim/keyword-coord/pkg/cache"
	"github.com/manenim/keyword-coord/pkg/identity"
)

const keywordNamespace = "keywords"

type keywordResponse struct {
	Query     string `json:"query"`
	Source    string `json:"source"`
	Cached    bool   `json:"cached"`
	Remaining int64  `json:"remaining"`
	Data      any    `json:"data"`
}

// handleKeywords serves one lookup. Order matters: the quota is only
// peeked before the provider call and consumed after it succeeded, so a
// failed lookup costs nothing. Cache hits are free.
func (s *Server) handleKeywords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	rec, created, err := s.cfg.Registry.GetOrCreate(ctx, userID, identity.Attrs{
		Email: r.Header.Get(HeaderUserEmail),
	})
	switch {
	case errors.Is(err, identity.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "invalid principal")
		return
	case errors.Is(err, identity.ErrIndexConflict):
		writeError(w, http.StatusConflict, "email already belongs to another account")
		return
	case err != nil:
		s.logger.Error("keywords: identity unavailable", "user_id", userID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	if created {
		s.logger.Info("keywords: first contact", "user_id", userID)
	}
	if rec.Status != identity.StatusActive {
		writeError(w, http.StatusForbidden, "account is "+rec.Status)
		return
	}

	key := cache.Key(keywordNamespace, map[string]string{"q": query})
	if entry, hit, _ := s.cfg.Cache.Get(ctx, key); hit {
		peek, err := s.cfg.Meter.Check(ctx, userID, s.cfg.QuotaWindow, s.cfg.Quota, 1)
		remaining := int64(-1)
		if err == nil {
			remaining = peek.Remaining()
		}
		writeJSON(w, http.StatusOK, keywordResponse{
			Query: query, Source: entry.Source, Cached: true, Remaining: remaining, Data: entry.Value,
		})
		return
	}

	peek, err := s.cfg.Meter.Check(ctx, userID, s.cfg.QuotaWindow, s.cfg.Quota, 1)
	if err != nil {
		s.logger.Error("keywords: usage check failed", "user_id", userID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	if !peek.Allowed {
		w.Header().Set("X-Quota-Reset", strconv.FormatInt(peek.ResetAt.Unix(), 10))
		writeError(w, http.StatusTooManyRequests, "quota exhausted")
		return
	}

	data, source, err := s.cfg.Source.Keywords(ctx, query)
	if err != nil {
		s.logger.Error("keywords: provider failed", "query", query, "error", err)
		writeError(w, http.StatusBadGateway, "keyword provider failed")
		return
	}

	res, err := s.cfg.Meter.CheckAndConsume(ctx, userID, s.cfg.QuotaWindow, s.cfg.Quota, 1)
	if err != nil {
		s.logger.Error("keywords: usage commit failed", "user_id", userID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	if !res.Allowed {
		// A concurrent request took the last unit between peek and commit.
		w.Header().Set("X-Quota-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		writeError(w, http.StatusTooManyRequests, "quota exhausted")
		return
	}

	status, _ := s.cfg.Cache.SetWithDeadline(ctx, key, cache.Entry{Value: data, Source: source}, s.cfg.CacheTTL)
	s.logger.Debug("keywords: served", "query", query, "cache_write", status.String())

	writeJSON(w, http.StatusOK, keywordResponse{
		Query: query, Source: source, Remaining: res.Remaining(), Data: data,
	})
}
