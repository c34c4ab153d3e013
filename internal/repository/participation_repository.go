package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/iliyamo/event-rsvp/internal/model"
)

// Dialect captures what differs between the SQL engines the participation
// store runs on.  Queries are otherwise shared: timestamps are stored as
// unix microseconds so no engine-specific date handling is needed.
type Dialect struct {
	Name string
	// lockRows enables the event_locks row lock that serializes capacity
	// decisions per event.  SQLite has a single writer, and its
	// transactions are opened IMMEDIATE, so it needs no row lock.
	lockRows   bool
	ensureLock string
	txOptions  *sql.TxOptions
	classify   func(error) error
}

// MySQLDialect is used with go-sql-driver/mysql against InnoDB.
var MySQLDialect = Dialect{
	Name:       "mysql",
	lockRows:   true,
	ensureLock: `INSERT IGNORE INTO event_locks (event_id) VALUES (?)`,
	txOptions:  &sql.TxOptions{Isolation: sql.LevelReadCommitted},
	classify:   classifyMySQL,
}

// SQLiteDialect is used with modernc.org/sqlite.  The DSN must request
// _txlock=immediate and the pool must hold a single connection.
var SQLiteDialect = Dialect{
	Name:     "sqlite",
	classify: classifySQLite,
}

// ParticipationRepo is the SQL implementation of ParticipationStore.  All
// capacity-sensitive mutations for an event run in one transaction that
// first takes the event's lock row, so the count that decides admission or
// promotion cannot change before the write that depends on it commits.
type ParticipationRepo struct {
	db      *sql.DB
	dialect Dialect
}

// NewParticipationRepo returns a repository bound to db.
func NewParticipationRepo(db *sql.DB, dialect Dialect) *ParticipationRepo {
	return &ParticipationRepo{db: db, dialect: dialect}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const participationColumns = `seq, id, event_id, user_id, status, attended, created_at_us,
	qr_token, qr_expires_at_us, qr_version, is_used, used_at_us, used_by`

// withEventTx runs fn inside a transaction.  When eventID is set and the
// dialect uses lock rows, the event's row in event_locks is locked FOR
// UPDATE before fn runs.  The lock row itself is created outside the
// transaction so that two first writers cannot deadlock on its insert.
func (r *ParticipationRepo) withEventTx(ctx context.Context, eventID string, fn func(tx *sql.Tx) error) error {
	locked := r.dialect.lockRows && eventID != ""
	if locked {
		if _, err := r.db.ExecContext(ctx, r.dialect.ensureLock, eventID); err != nil {
			return r.classify(err)
		}
	}
	tx, err := r.db.BeginTx(ctx, r.dialect.txOptions)
	if err != nil {
		return r.classify(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if locked {
		var id string
		if err := tx.QueryRowContext(ctx,
			`SELECT event_id FROM event_locks WHERE event_id = ? FOR UPDATE`, eventID,
		).Scan(&id); err != nil {
			return r.classify(err)
		}
	}
	if err := fn(tx); err != nil {
		return r.classify(err)
	}
	if err := tx.Commit(); err != nil {
		return r.classify(err)
	}
	committed = true
	return nil
}

func (r *ParticipationRepo) classify(err error) error {
	if err == nil || IsDomainError(err) || errors.Is(err, ErrStorageConflict) {
		return err
	}
	if r.dialect.classify != nil {
		return r.dialect.classify(err)
	}
	return err
}

// Admit implements ParticipationStore.
func (r *ParticipationRepo) Admit(ctx context.Context, in AdmitInput) (model.Participation, error) {
	if !validPair(in.EventID, in.UserID) || in.Mint == nil {
		return model.Participation{}, ErrInvalidInput
	}
	var out model.Participation
	err := r.withEventTx(ctx, in.EventID, func(tx *sql.Tx) error {
		if _, err := r.getByEventAndUser(ctx, tx, in.EventID, in.UserID); err == nil {
			return ErrAlreadyRegistered
		} else if !errors.Is(err, ErrNotRegistered) {
			return err
		}
		occupied, err := r.countOccupied(ctx, tx, in.EventID)
		if err != nil {
			return err
		}
		id, err := newParticipationID(in.Now)
		if err != nil {
			return err
		}
		rec := model.Participation{
			ID:        id,
			EventID:   in.EventID,
			UserID:    in.UserID,
			Status:    model.StatusWaitlisted,
			CreatedAt: in.Now.UTC(),
		}
		if occupied < capacityOrUnlimited(in.Capacity) {
			q, err := in.Mint()
			if err != nil {
				return err
			}
			rec.Status = model.StatusRegistered
			rec.QRCode = q
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO participations
				(id, event_id, user_id, status, attended, created_at_us, qr_token, qr_expires_at_us, qr_version, is_used)
			 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, 0)`,
			rec.ID, rec.EventID, rec.UserID, string(rec.Status), toMicros(rec.CreatedAt),
			nullString(rec.QRCode.Token), nullTokenExpiry(rec.QRCode), rec.QRCode.Version,
		)
		if err != nil {
			return err
		}
		if rec.Seq, err = res.LastInsertId(); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return model.Participation{}, err
	}
	return out, nil
}

// CancelAndPromote implements ParticipationStore.
func (r *ParticipationRepo) CancelAndPromote(ctx context.Context, in CancelInput) (model.Participation, *model.Participation, error) {
	if !validPair(in.EventID, in.UserID) || in.Mint == nil {
		return model.Participation{}, nil, ErrInvalidInput
	}
	var (
		cancelled model.Participation
		promoted  *model.Participation
	)
	err := r.withEventTx(ctx, in.EventID, func(tx *sql.Tx) error {
		rec, err := r.getByEventAndUser(ctx, tx, in.EventID, in.UserID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM participations WHERE seq = ?`, rec.Seq); err != nil {
			return err
		}
		next, err := r.promoteTx(ctx, tx, in.EventID, in.Capacity, 1, in.Mint)
		if err != nil {
			return err
		}
		cancelled = rec
		if len(next) > 0 {
			promoted = &next[0]
		}
		return nil
	})
	if err != nil {
		return model.Participation{}, nil, err
	}
	return cancelled, promoted, nil
}

// PromoteAvailable implements ParticipationStore.
func (r *ParticipationRepo) PromoteAvailable(ctx context.Context, in PromoteInput) ([]model.Participation, error) {
	if in.EventID == "" || in.Mint == nil {
		return nil, ErrInvalidInput
	}
	var promoted []model.Participation
	err := r.withEventTx(ctx, in.EventID, func(tx *sql.Tx) error {
		var err error
		promoted, err = r.promoteTx(ctx, tx, in.EventID, in.Capacity, in.Limit, in.Mint)
		return err
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// promoteTx moves waitlisted records to registered in FIFO order while
// seats are free.  The caller must hold the event lock in tx.
func (r *ParticipationRepo) promoteTx(ctx context.Context, tx *sql.Tx, eventID string, capacity, limit int, mint MintFunc) ([]model.Participation, error) {
	occupied, err := r.countOccupied(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	seats := capacityOrUnlimited(capacity)
	var promoted []model.Participation
	for occupied < seats && (limit <= 0 || len(promoted) < limit) {
		row := tx.QueryRowContext(ctx,
			`SELECT `+participationColumns+` FROM participations
			 WHERE event_id = ? AND status = ?
			 ORDER BY created_at_us ASC, seq ASC LIMIT 1`,
			eventID, string(model.StatusWaitlisted),
		)
		head, err := scanParticipation(row)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, err
		}
		q, err := mint()
		if err != nil {
			return nil, err
		}
		q.Version = head.QRCode.Version + 1
		res, err := tx.ExecContext(ctx,
			`UPDATE participations
			 SET status = ?, qr_token = ?, qr_expires_at_us = ?, qr_version = ?,
			     is_used = 0, used_at_us = NULL, used_by = NULL
			 WHERE seq = ? AND status = ?`,
			string(model.StatusRegistered), q.Token, toMicros(q.ExpiresAt), q.Version,
			head.Seq, string(model.StatusWaitlisted),
		)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n != 1 {
			return nil, ErrStorageConflict
		}
		head.Status = model.StatusRegistered
		head.QRCode = q
		promoted = append(promoted, head)
		occupied++
	}
	return promoted, nil
}

// Redeem implements ParticipationStore.  The write is a single
// conditional UPDATE gated on the token still being unused, registered
// and unexpired; when it matches nothing, the current row is read back
// only to explain why.
func (r *ParticipationRepo) Redeem(ctx context.Context, in RedeemInput) (model.Participation, error) {
	if in.Token == "" {
		return model.Participation{}, ErrTokenNotFound
	}
	var out model.Participation
	err := r.withEventTx(ctx, "", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE participations
			 SET status = ?, attended = 1, is_used = 1, used_at_us = ?, used_by = ?
			 WHERE qr_token = ? AND status = ? AND is_used = 0 AND qr_expires_at_us > ?`,
			string(model.StatusAttended), toMicros(in.Now), nullString(in.ScannedBy),
			in.Token, string(model.StatusRegistered), toMicros(in.Now),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		rec, err := r.getByToken(ctx, tx, in.Token)
		if err != nil {
			return err
		}
		if n == 0 {
			return classifyRedeemMiss(rec, in.Now)
		}
		out = rec
		return nil
	})
	if err != nil {
		return model.Participation{}, err
	}
	return out, nil
}

// RotateToken implements ParticipationStore.  The old token stops
// resolving in the same statement that makes the new one resolvable.
func (r *ParticipationRepo) RotateToken(ctx context.Context, in RotateInput) (model.Participation, error) {
	if !validPair(in.EventID, in.UserID) || in.New.Token == "" {
		return model.Participation{}, ErrInvalidInput
	}
	var out model.Participation
	err := r.withEventTx(ctx, "", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE participations
			 SET qr_token = ?, qr_expires_at_us = ?, qr_version = ?,
			     is_used = 0, used_at_us = NULL, used_by = NULL
			 WHERE event_id = ? AND user_id = ? AND status = ? AND qr_token = ?`,
			in.New.Token, toMicros(in.New.ExpiresAt), in.New.Version,
			in.EventID, in.UserID, string(model.StatusRegistered), in.OldToken,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		rec, err := r.getByEventAndUser(ctx, tx, in.EventID, in.UserID)
		if err != nil {
			return err
		}
		if n == 0 {
			return classifyRotateMiss(rec)
		}
		out = rec
		return nil
	})
	if err != nil {
		return model.Participation{}, err
	}
	return out, nil
}

// GetByEventAndUser implements ParticipationStore.
func (r *ParticipationRepo) GetByEventAndUser(ctx context.Context, eventID, userID string) (model.Participation, error) {
	p, err := r.getByEventAndUser(ctx, r.db, eventID, userID)
	return p, r.classify(err)
}

// GetByToken implements ParticipationStore.
func (r *ParticipationRepo) GetByToken(ctx context.Context, token string) (model.Participation, error) {
	if token == "" {
		return model.Participation{}, ErrTokenNotFound
	}
	p, err := r.getByToken(ctx, r.db, token)
	return p, r.classify(err)
}

// ListByEvent implements ParticipationStore.  An empty status lists every
// record.  Results are in FIFO order.
func (r *ParticipationRepo) ListByEvent(ctx context.Context, eventID string, status model.Status) ([]model.Participation, error) {
	q := `SELECT ` + participationColumns + ` FROM participations WHERE event_id = ?`
	args := []any{eventID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at_us ASC, seq ASC`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, r.classify(err)
	}
	defer rows.Close()
	out := make([]model.Participation, 0)
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, r.classify(err)
	}
	return out, nil
}

// Stats implements ParticipationStore.
func (r *ParticipationRepo) Stats(ctx context.Context, eventID string) (model.EventStats, error) {
	st := model.EventStats{EventID: eventID}
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM participations WHERE event_id = ? GROUP BY status`, eventID)
	if err != nil {
		return st, r.classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		switch model.Status(status) {
		case model.StatusRegistered:
			st.Registered = n
		case model.StatusWaitlisted:
			st.Waitlisted = n
		case model.StatusAttended:
			st.Attended = n
		}
	}
	return st, r.classify(rows.Err())
}

// Ping implements ParticipationStore.
func (r *ParticipationRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *ParticipationRepo) countOccupied(ctx context.Context, q queryer, eventID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participations WHERE event_id = ? AND status IN (?, ?)`,
		eventID, string(model.StatusRegistered), string(model.StatusAttended),
	).Scan(&n)
	return n, err
}

func (r *ParticipationRepo) getByEventAndUser(ctx context.Context, q queryer, eventID, userID string) (model.Participation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+participationColumns+` FROM participations WHERE event_id = ? AND user_id = ?`,
		eventID, userID,
	)
	p, err := scanParticipation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Participation{}, ErrNotRegistered
	}
	return p, err
}

func (r *ParticipationRepo) getByToken(ctx context.Context, q queryer, token string) (model.Participation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+participationColumns+` FROM participations WHERE qr_token = ?`, token)
	p, err := scanParticipation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Participation{}, ErrTokenNotFound
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipation(row rowScanner) (model.Participation, error) {
	var (
		p         model.Participation
		status    string
		createdUs int64
		token     sql.NullString
		expiresUs sql.NullInt64
		usedAtUs  sql.NullInt64
		usedBy    sql.NullString
	)
	if err := row.Scan(
		&p.Seq, &p.ID, &p.EventID, &p.UserID, &status, &p.Attended, &createdUs,
		&token, &expiresUs, &p.QRCode.Version, &p.QRCode.IsUsed, &usedAtUs, &usedBy,
	); err != nil {
		return model.Participation{}, err
	}
	p.Status = model.Status(status)
	p.CreatedAt = fromMicros(createdUs)
	p.QRCode.Token = token.String
	if expiresUs.Valid {
		p.QRCode.ExpiresAt = fromMicros(expiresUs.Int64)
	}
	if usedAtUs.Valid {
		t := fromMicros(usedAtUs.Int64)
		p.QRCode.UsedAt = &t
	}
	p.QRCode.UsedBy = usedBy.String
	return p, nil
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTokenExpiry(q model.QRCode) sql.NullInt64 {
	if q.Token == "" {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(q.ExpiresAt), Valid: true}
}

// isTokenCollision reports whether a unique violation came from the token
// index rather than the (event, user) pair.
func isTokenCollision(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "qr_token")
}

func classifyMySQL(err error) error {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return err
	}
	switch me.Number {
	case 1062: // ER_DUP_ENTRY
		if isTokenCollision(err) {
			return fmt.Errorf("token collision: %w", ErrStorageConflict)
		}
		return ErrAlreadyRegistered
	case 1213, 1205: // ER_LOCK_DEADLOCK, ER_LOCK_WAIT_TIMEOUT
		return fmt.Errorf("%s: %w", me.Message, ErrStorageConflict)
	}
	return err
}

func classifySQLite(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		if isTokenCollision(err) {
			return fmt.Errorf("token collision: %w", ErrStorageConflict)
		}
		return ErrAlreadyRegistered
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("database busy: %w", ErrStorageConflict)
	}
	return err
}

var _ ParticipationStore = (*ParticipationRepo)(nil)
