package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/jobqueue/internal/intake"
	"github.com/JakeFAU/jobqueue/internal/queue"
)

const (
	defaultItemLimit = 100
	maxItemLimit     = 1000
)

// submit handles POST /v1/submissions. Accepted submissions answer 202;
// rejections and duplicates are outcomes and answer 200.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var sub intake.Submission
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sub.SubmittedBy == "" {
		sub.SubmittedBy = actor(r)
	}
	res, err := s.queue.Submit(r.Context(), sub)
	if err != nil {
		s.writeQueueError(w, "submit", err)
		return
	}
	status := http.StatusOK
	if res.Status == intake.OutcomeAccepted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// listItems handles GET /v1/items?status=&kind=&target=&limit=.
func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, defaultItemLimit, maxItemLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit
	items, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.writeQueueError(w, "list items", err)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Get(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		s.writeQueueError(w, "get item", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "item_id")
	if err := s.queue.Delete(r.Context(), id, actor(r)); err != nil {
		s.writeQueueError(w, "delete item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// retryItem handles POST /v1/items/{item_id}/retry: 422 when the item is not
// failed or has no retries left, 409 when another write won the race.
func (s *Server) retryItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Retry(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		s.writeQueueError(w, "retry item", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) claimItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Claim(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		s.writeQueueError(w, "claim item", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// claimNext handles POST /v1/items/claim-next?kind=. It answers 204 when no
// pending item is available.
func (s *Server) claimNext(w http.ResponseWriter, r *http.Request) {
	var kind queue.Kind
	if raw := strings.TrimSpace(r.URL.Query().Get("kind")); raw != "" {
		parsed, err := queue.ParseKind(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = parsed
	}
	item, ok, err := s.queue.ClaimNext(r.Context(), kind)
	if err != nil {
		s.writeQueueError(w, "claim next", err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// completeItem handles the worker write-back for a claimed item.
func (s *Server) completeItem(w http.ResponseWriter, r *http.Request) {
	var report intake.Report
	if err := decodeJSON(r, &report); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := queue.ParseStatus(string(report.Status))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report.Status = status
	item, err := s.queue.Complete(r.Context(), chi.URLParam(r, "item_id"), report)
	if err != nil {
		s.writeQueueError(w, "complete item", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// parseFilter reads status (repeated or comma separated), kind, and target.
func parseFilter(r *http.Request) (queue.Filter, error) {
	q := r.URL.Query()
	var filter queue.Filter
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			status, err := queue.ParseStatus(part)
			if err != nil {
				return queue.Filter{}, err
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := strings.TrimSpace(q.Get("kind")); raw != "" {
		kind, err := queue.ParseKind(raw)
		if err != nil {
			return queue.Filter{}, err
		}
		filter.Kind = kind
	}
	if raw := strings.TrimSpace(q.Get("target")); raw != "" {
		// Stored job targets are normalized; scrape-request targets are not.
		filter.Target = raw
		if filter.Kind == "" || filter.Kind.Deduplicated() {
			if normalized, err := queue.NormalizeTarget(raw); err == nil {
				filter.Target = normalized
			}
		}
	}
	return filter, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}
