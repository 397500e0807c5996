package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/BTreeMap/LFGQueue/internal/models"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name              string
	placeholder       sq.PlaceholderFormat
	isUniqueViolation func(error) bool
}

// sqlStore implements Store on top of sqlx, building every statement with
// squirrel so the same code serves SQLite and Postgres.
type sqlStore struct {
	db *sqlx.DB
	sb sq.StatementBuilderType
	d  dialect
}

func newSQLStore(db *sqlx.DB, d dialect) *sqlStore {
	return &sqlStore{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(d.placeholder),
		d:  d,
	}
}

var messageColumns = []string{
	"id", "message_id", "message_date", "sender_user_id", "sender_username",
	"sender_display_name", "group_id", "group_title", "content", "status",
	"is_valid", "is_lfg", "reason", "requeue_count", "version", "claimed_at",
	"created_at", "updated_at",
}

var listingColumns = []string{
	"id", "message_id", "sender_user_id", "sender_username", "group_id",
	"content", "active", "created_at", "updated_at",
}

func (s *sqlStore) InsertMessage(ctx context.Context, m *models.Message) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	m.SenderUsername = models.NormalizeUsername(m.SenderUsername)

	query, args, err := s.sb.Insert("messages").
		Columns(
			"message_id", "message_date", "sender_user_id", "sender_username",
			"sender_display_name", "group_id", "group_title", "content", "status",
			"is_valid", "is_lfg", "reason", "requeue_count", "version", "claimed_at",
			"created_at", "updated_at",
		).
		Values(
			m.MessageID, utc(m.MessageDate), m.SenderUserID, m.SenderUsername,
			m.SenderDisplayName, m.GroupID, m.GroupTitle, m.Content, string(m.Status),
			m.IsValid, m.IsLFG, m.Reason, m.RequeueCount, m.Version, utcPtr(m.ClaimedAt),
			utc(m.CreatedAt), utc(m.UpdatedAt),
		).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert message: %w", err)
	}

	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&m.ID); err != nil {
		if s.d.isUniqueViolation(err) {
			return fmt.Errorf("%w: %d", ErrDuplicateMessageID, m.MessageID)
		}
		slog.Error(s.d.name+".InsertMessage failed", "error", err, "message_id", m.MessageID)
		return fmt.Errorf("insert message %d: %w", m.MessageID, err)
	}
	slog.Debug(s.d.name+".InsertMessage succeeded", "message_id", m.MessageID, "id", m.ID, "status", m.Status)
	return nil
}

func (s *sqlStore) GetMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	query, args, err := s.sb.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"message_id": messageID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get message: %w", err)
	}

	var m models.Message
	if err := s.db.GetContext(ctx, &m, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message %d: %w", messageID, err)
	}
	normalizeMessageTimes(&m)
	return &m, nil
}

func (s *sqlStore) ListMessages(ctx context.Context, filter MessageFilter) (MessagePage, error) {
	filter = filter.Normalize()
	page := MessagePage{Page: filter.Page, PageSize: filter.PageSize, Messages: []models.Message{}}
	where := messageFilterPredicate(filter)

	countQuery, countArgs, err := s.sb.Select("COUNT(*)").From("messages").Where(where).ToSql()
	if err != nil {
		return page, fmt.Errorf("build count messages: %w", err)
	}
	if err := s.db.GetContext(ctx, &page.Total, countQuery, countArgs...); err != nil {
		return page, fmt.Errorf("count messages: %w", err)
	}
	if page.Total == 0 {
		return page, nil
	}

	query, args, err := s.sb.Select(messageColumns...).
		From("messages").
		Where(where).
		OrderBy("message_date DESC", "id DESC").
		Limit(uint64(filter.PageSize)).
		Offset(uint64(filter.Offset())).
		ToSql()
	if err != nil {
		return page, fmt.Errorf("build list messages: %w", err)
	}
	if err := s.db.SelectContext(ctx, &page.Messages, query, args...); err != nil {
		return page, fmt.Errorf("list messages: %w", err)
	}
	for i := range page.Messages {
		normalizeMessageTimes(&page.Messages[i])
	}
	return page, nil
}

func (s *sqlStore) CountByStatus(ctx context.Context) (models.StatusCounts, error) {
	query, args, err := s.sb.Select("status", "COUNT(*) AS count").
		From("messages").
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count by status: %w", err)
	}
	var rows []struct {
		Status models.MessageStatus `db:"status"`
		Count  int64                `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	counts := make(models.StatusCounts, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *sqlStore) FindClaimCandidates(ctx context.Context, notBefore time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	query, args, err := s.sb.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"status": string(models.StatusPending)}).
		Where(sq.GtOrEq{"message_date": utc(notBefore)}).
		OrderBy("message_date ASC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim candidates: %w", err)
	}
	var candidates []models.Message
	if err := s.db.SelectContext(ctx, &candidates, query, args...); err != nil {
		return nil, fmt.Errorf("find claim candidates: %w", err)
	}
	for i := range candidates {
		normalizeMessageTimes(&candidates[i])
	}
	return candidates, nil
}

func (s *sqlStore) ClaimMessage(ctx context.Context, id, version int64, now time.Time) (bool, error) {
	now = utc(now)
	query, args, err := s.sb.Update("messages").
		Set("status", string(models.StatusProcessing)).
		Set("version", sq.Expr("version + 1")).
		Set("claimed_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "status": statusStrings(models.SourcesOf(models.StatusProcessing)), "version": version}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build claim message: %w", err)
	}
	n, err := s.execRows(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("claim message id=%d: %w", id, err)
	}
	return n == 1, nil
}

func (s *sqlStore) CompleteMessage(ctx context.Context, messageID int64, update OutcomeUpdate, now time.Time) (bool, error) {
	if update.Status != models.StatusCompleted && update.Status != models.StatusFailed {
		return false, fmt.Errorf("%w: got %q", ErrInvalidOutcome, update.Status)
	}
	where := sq.Eq{"message_id": messageID, "status": statusStrings(models.SourcesOf(update.Status))}
	if update.ExpectedVersion > 0 {
		where["version"] = update.ExpectedVersion
	}
	query, args, err := s.sb.Update("messages").
		Set("status", string(update.Status)).
		Set("is_valid", update.IsValid).
		Set("is_lfg", update.IsLFG).
		Set("reason", update.Reason).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", utc(now)).
		Where(where).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build complete message: %w", err)
	}
	n, err := s.execRows(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("complete message %d: %w", messageID, err)
	}
	return n == 1, nil
}

func (s *sqlStore) RequeueStale(ctx context.Context, staleBefore time.Time, reason string, now time.Time) (int64, error) {
	query, args, err := s.sb.Update("messages").
		Set("status", string(models.StatusPending)).
		Set("reason", reason).
		Set("requeue_count", sq.Expr("requeue_count + 1")).
		Set("version", sq.Expr("version + 1")).
		Set("claimed_at", nil).
		Set("updated_at", utc(now)).
		Where(sq.Eq{"status": statusStrings(models.SourcesOf(models.StatusPending))}).
		Where(sq.Lt{"updated_at": utc(staleBefore)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build requeue stale: %w", err)
	}
	n, err := s.execRows(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue stale processing messages: %w", err)
	}
	if n > 0 {
		slog.Info(s.d.name+".RequeueStale: requeued stale messages", "count", n, "stale_before", utc(staleBefore))
	}
	return n, nil
}

func (s *sqlStore) ExpireStale(ctx context.Context, cutoff time.Time, limit int, now time.Time) ([]ExpiredMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	cutoff = utc(cutoff)
	inFlight := sq.Eq{"status": statusStrings(models.SourcesOf(models.StatusExpired))}
	aged := sq.Lt{"message_date": cutoff}

	// The subquery keeps the default placeholder format; the outer builder
	// rewrites every placeholder once.
	batch := sq.Select("id").
		From("messages").
		Where(inFlight).
		Where(aged).
		OrderBy("message_date ASC", "id ASC").
		Limit(uint64(limit))

	query, args, err := s.sb.Update("messages").
		Set("status", string(models.StatusExpired)).
		Set("reason", sq.Expr(
			"CASE WHEN status = ? THEN ? WHEN requeue_count > 0 THEN ? ELSE ? END",
			string(models.StatusProcessing),
			models.ReasonExpiredProcessingTimeout,
			models.ReasonExpiredAfterPending,
			models.ReasonExpiredPendingTimeout,
		)).
		Set("version", sq.Expr("version + 1")).
		Set("claimed_at", nil).
		Set("updated_at", utc(now)).
		Where(sq.Expr("id IN (?)", batch)).
		Where(inFlight).
		Where(aged).
		Suffix("RETURNING message_id, reason").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build expire stale: %w", err)
	}

	var expired []ExpiredMessage
	if err := s.db.SelectContext(ctx, &expired, query, args...); err != nil {
		return nil, fmt.Errorf("expire stale messages before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return expired, nil
}

func (s *sqlStore) HasRecentDuplicate(ctx context.Context, senderUserID, groupID int64, content string, since time.Time) (bool, error) {
	query, args, err := s.sb.Select("id").
		From("messages").
		Where(sq.Eq{"sender_user_id": senderUserID, "group_id": groupID, "content": content}).
		Where(sq.GtOrEq{"message_date": utc(since)}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build duplicate check: %w", err)
	}
	var id int64
	if err := s.db.GetContext(ctx, &id, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("duplicate check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) CancelSenderMessages(ctx context.Context, id models.SenderIdentity, now time.Time) (BulkResult, error) {
	sender, ok := senderPredicate(id, "sender_user_id", "sender_username")
	if !ok {
		return BulkResult{}, models.ErrMissingIdentity
	}
	query, args, err := s.sb.Update("messages").
		Set("status", string(models.StatusCanceledByUser)).
		Set("reason", models.ReasonSenderCanceled).
		Set("version", sq.Expr("version + 1")).
		Set("claimed_at", nil).
		Set("updated_at", utc(now)).
		Where(sq.Eq{"status": statusStrings(models.SourcesOf(models.StatusCanceledByUser))}).
		Where(sender).
		ToSql()
	if err != nil {
		return BulkResult{}, fmt.Errorf("build cancel sender messages: %w", err)
	}
	n, err := s.execRows(ctx, query, args...)
	if err != nil {
		return BulkResult{}, fmt.Errorf("cancel sender messages: %w", err)
	}
	return BulkResult{Matched: n, Modified: n}, nil
}

func (s *sqlStore) CreateListing(ctx context.Context, l *models.Listing) (bool, error) {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	l.SenderUsername = models.NormalizeUsername(l.SenderUsername)

	query, args, err := s.sb.Insert("listings").
		Columns("message_id", "sender_user_id", "sender_username", "group_id", "content", "active", "created_at", "updated_at").
		Values(l.MessageID, l.SenderUserID, l.SenderUsername, l.GroupID, l.Content, l.Active, utc(l.CreatedAt), utc(l.UpdatedAt)).
		Suffix("ON CONFLICT (message_id) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build create listing: %w", err)
	}
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&l.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.Debug(s.d.name+".CreateListing: listing already exists", "message_id", l.MessageID)
			return false, nil
		}
		return false, fmt.Errorf("create listing for message %d: %w", l.MessageID, err)
	}
	return true, nil
}

func (s *sqlStore) DeactivateSenderListings(ctx context.Context, id models.SenderIdentity, now time.Time) (BulkResult, error) {
	sender, ok := senderPredicate(id, "sender_user_id", "sender_username")
	if !ok {
		return BulkResult{}, models.ErrMissingIdentity
	}
	countQuery, countArgs, err := s.sb.Select("COUNT(*)").From("listings").Where(sender).ToSql()
	if err != nil {
		return BulkResult{}, fmt.Errorf("build count listings: %w", err)
	}
	query, args, err := s.sb.Update("listings").
		Set("active", false).
		Set("updated_at", utc(now)).
		Where(sq.Eq{"active": true}).
		Where(sender).
		ToSql()
	if err != nil {
		return BulkResult{}, fmt.Errorf("build deactivate listings: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return BulkResult{}, fmt.Errorf("begin deactivate listings: %w", err)
	}
	defer tx.Rollback()

	var res BulkResult
	if err := tx.GetContext(ctx, &res.Matched, countQuery, countArgs...); err != nil {
		return BulkResult{}, fmt.Errorf("count sender listings: %w", err)
	}
	r, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return BulkResult{}, fmt.Errorf("deactivate sender listings: %w", err)
	}
	if res.Modified, err = r.RowsAffected(); err != nil {
		return BulkResult{}, fmt.Errorf("deactivate sender listings rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return BulkResult{}, fmt.Errorf("commit deactivate listings: %w", err)
	}
	return res, nil
}

func (s *sqlStore) ListListings(ctx context.Context, activeOnly bool) ([]models.Listing, error) {
	b := s.sb.Select(listingColumns...).From("listings").OrderBy("created_at DESC", "id DESC")
	if activeOnly {
		b = b.Where(sq.Eq{"active": true})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list listings: %w", err)
	}
	listings := []models.Listing{}
	if err := s.db.SelectContext(ctx, &listings, query, args...); err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	return listings, nil
}

func (s *sqlStore) RecordCancellation(ctx context.Context, c *models.Cancellation) error {
	if c.CanceledAt.IsZero() {
		c.CanceledAt = time.Now().UTC()
	}
	c.Username = models.NormalizeUsername(c.Username)
	query, args, err := s.sb.Insert("cancellations").
		Columns("user_id", "username", "reason", "canceled_at").
		Values(c.UserID, c.Username, c.Reason, utc(c.CanceledAt)).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build record cancellation: %w", err)
	}
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&c.ID); err != nil {
		return fmt.Errorf("record cancellation: %w", err)
	}
	slog.Debug(s.d.name+".RecordCancellation succeeded", "user_id", c.UserID, "username", c.Username)
	return nil
}

func (s *sqlStore) IsSenderCanceled(ctx context.Context, id models.SenderIdentity) (bool, error) {
	sender, ok := senderPredicate(id, "user_id", "username")
	if !ok {
		return false, nil
	}
	query, args, err := s.sb.Select("id").From("cancellations").Where(sender).Limit(1).ToSql()
	if err != nil {
		return false, fmt.Errorf("build cancellation lookup: %w", err)
	}
	var found int64
	if err := s.db.GetContext(ctx, &found, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("cancellation lookup: %w", err)
	}
	return true, nil
}

// Ping checks that the database is reachable.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection pool.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.d.name + " database connection")
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close "+s.d.name+" database", "error", err)
		return err
	}
	return nil
}

func (s *sqlStore) execRows(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// messageFilterPredicate translates a MessageFilter into a WHERE clause.
func messageFilterPredicate(f MessageFilter) sq.And {
	where := sq.And{}
	if len(f.Statuses) > 0 {
		where = append(where, sq.Eq{"status": statusStrings(f.Statuses)})
	}
	if f.GroupID != nil {
		where = append(where, sq.Eq{"group_id": *f.GroupID})
	}
	if f.SenderUserID != nil {
		where = append(where, sq.Eq{"sender_user_id": *f.SenderUserID})
	}
	if f.SenderUsername != "" {
		where = append(where, sq.Eq{"sender_username": f.SenderUsername})
	}
	if f.IsLFG != nil {
		where = append(where, sq.Eq{"is_lfg": *f.IsLFG})
	}
	if f.From != nil {
		where = append(where, sq.GtOrEq{"message_date": utc(*f.From)})
	}
	if f.To != nil {
		where = append(where, sq.Lt{"message_date": utc(*f.To)})
	}
	return where
}

// senderPredicate matches rows by user id, username, or either when both are set.
func senderPredicate(id models.SenderIdentity, userCol, nameCol string) (sq.Or, bool) {
	id = id.Normalize()
	pred := sq.Or{}
	if id.UserID != 0 {
		pred = append(pred, sq.Eq{userCol: id.UserID})
	}
	if id.Username != "" {
		pred = append(pred, sq.Eq{nameCol: id.Username})
	}
	return pred, len(pred) > 0
}
