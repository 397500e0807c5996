package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/LFGQueue/internal/models"
	"github.com/BTreeMap/LFGQueue/internal/queue"
	"github.com/BTreeMap/LFGQueue/internal/store"
)

// claimRequest is the body of POST /messages/claim.
type claimRequest struct {
	MaxCount int `json:"max_count"`
}

// claimResponse lists the claimed messages.
type claimResponse struct {
	Messages []models.Message `json:"messages"`
	Count    int              `json:"count"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.svc.Ping(ctx); err != nil {
		slog.Error("Server.healthHandler: store ping failed", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("store unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	var req models.IngestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.ingestHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	m, err := s.svc.Ingest(r.Context(), req)
	if err != nil {
		writeServiceError(w, "Server.ingestHandler", err, nil)
		return
	}
	slog.Debug("Server.ingestHandler: message ingested", "message_id", m.MessageID, "status", m.Status)
	writeJSONResponse(w, http.StatusCreated, models.Success(m))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := parseMessageFilter(r.URL.Query())
	if err != nil {
		slog.Warn("Server.listMessagesHandler: invalid query", "error", err, "query", r.URL.RawQuery)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	page, err := s.svc.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, "Server.listMessagesHandler", err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(page))
}

func (s *Server) getMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathMessageID(w, r)
	if !ok {
		return
	}
	m, err := s.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Server.getMessageHandler", err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(m))
}

func (s *Server) claimHandler(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.claimHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	msgs, err := s.svc.Claim(r.Context(), req.MaxCount)
	if err != nil {
		writeServiceError(w, "Server.claimHandler", err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(claimResponse{Messages: msgs, Count: len(msgs)}))
}

func (s *Server) outcomeHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathMessageID(w, r)
	if !ok {
		return
	}
	var report models.OutcomeReport
	if err := decodeJSON(w, r, &report); err != nil {
		slog.Warn("Server.outcomeHandler: failed to decode JSON", "error", err, "message_id", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	m, err := s.svc.ReportOutcome(r.Context(), id, report)
	if err != nil {
		writeServiceError(w, "Server.outcomeHandler", err, m)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(m))
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.cancelHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	res, err := s.svc.CancelUser(r.Context(), req)
	if err != nil {
		writeServiceError(w, "Server.cancelHandler", err, res)
		return
	}
	slog.Info("Server.cancelHandler: user canceled", "user_id", req.UserID, "username", req.Username,
		"messages_modified", res.Messages.Modified, "listings_modified", res.Listings.Modified)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("User canceled", res))
}

func (s *Server) listingsHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("active must be a boolean"))
			return
		}
		activeOnly = v
	}
	listings, err := s.svc.Listings(r.Context(), activeOnly)
	if err != nil {
		writeServiceError(w, "Server.listingsHandler", err, nil)
		return
	}
	if listings == nil {
		listings = []models.Listing{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(listings))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, "Server.statsHandler", err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(counts))
}

func (s *Server) sweepsHandler(w http.ResponseWriter, r *http.Request) {
	sweepers := s.svc.Sweepers()
	statuses := make([]queue.SweepStatus, 0, len(sweepers))
	for _, sw := range sweepers {
		statuses = append(statuses, sw.Status())
	}
	writeJSONResponse(w, http.StatusOK, models.Success(statuses))
}

func (s *Server) runSweepHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sw, ok := s.svc.Sweeper(name)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error(fmt.Sprintf("unknown sweep %q", name)))
		return
	}
	res, err := sw.Sweep(r.Context())
	if err != nil {
		writeServiceError(w, "Server.runSweepHandler", err, nil)
		return
	}
	slog.Info("Server.runSweepHandler: sweep run", "sweep", name, "requeued", res.Requeued, "expired", res.Expired)
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// pathMessageID parses {messageID}, writing a 400 when it is malformed.
func pathMessageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("messageID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("invalid message id %q", raw)))
		return 0, false
	}
	return id, true
}

// parseMessageFilter reads the GET /messages query parameters.
func parseMessageFilter(q url.Values) (store.MessageFilter, error) {
	var f store.MessageFilter

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st, err := models.ParseStatus(part)
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	var err error
	if f.GroupID, err = optionalInt64(q, "group_id"); err != nil {
		return f, err
	}
	if f.SenderUserID, err = optionalInt64(q, "sender_id"); err != nil {
		return f, err
	}
	f.SenderUsername = models.NormalizeUsername(q.Get("username"))

	if raw := q.Get("is_lfg"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("%w: is_lfg must be a boolean", models.ErrValidation)
		}
		f.IsLFG = &v
	}

	if f.From, err = optionalTime(q, "from"); err != nil {
		return f, err
	}
	if f.To, err = optionalTime(q, "to"); err != nil {
		return f, err
	}

	if f.Page, err = optionalInt(q, "page"); err != nil {
		return f, err
	}
	if f.Page > store.MaxPage {
		return f, fmt.Errorf("%w: page must be at most %d", models.ErrValidation, store.MaxPage)
	}
	if f.PageSize, err = optionalInt(q, "page_size"); err != nil {
		return f, err
	}
	return f, nil
}

func optionalInt64(q url.Values, key string) (*int64, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", models.ErrValidation, key)
	}
	return &v, nil
}

func optionalInt(q url.Values, key string) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", models.ErrValidation, key)
	}
	return v, nil
}

func optionalTime(q url.Values, key string) (*time.Time, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an RFC3339 timestamp", models.ErrValidation, key)
	}
	t = t.UTC()
	return &t, nil
}
