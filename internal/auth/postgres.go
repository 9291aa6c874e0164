package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	db *sqlx.DB
}

// NewPGStore wraps an open database handle. driverName is the name the
// handle was opened with ("pgx" in production).
func NewPGStore(db *sql.DB, driverName string) *PGStore {
	return &PGStore{db: sqlx.NewDb(db, driverName)}
}

func (s *PGStore) Users() UserStore       { return &pgUsers{db: s.db} }
func (s *PGStore) Sessions() SessionStore { return &pgSessions{db: s.db} }
func (s *PGStore) APIKeys() APIKeyStore   { return &pgKeys{db: s.db} }

func (s *PGStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return ErrConflict
		case pgErrForeignKeyViolation:
			return ErrNotFound
		}
	}
	return err
}

func expectOne(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return ErrNotFound
	}
	return nil
}

// User store ---------------------------------------------------------------

type pgUsers struct{ db *sqlx.DB }

const userColumns = `id, email, handle, password_hash, role, active, last_authenticated_at,
	daily_calls, daily_calls_date, created_at, updated_at`

func (s *pgUsers) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into principals(id, email, handle, password_hash, role, active, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$7)`,
		u.ID, u.Email, u.Handle, u.PasswordHash, string(u.Role), u.Active, u.CreatedAt,
	)
	return mapPGError(err)
}

func (s *pgUsers) Find(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `select `+userColumns+` from principals where id=$1`, id)
	if err != nil {
		return nil, mapPGError(err)
	}
	return &u, nil
}

func (s *pgUsers) FindByLogin(ctx context.Context, identifier string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`select `+userColumns+` from principals where lower(email)=$1 or lower(handle)=$1 limit 1`,
		strings.ToLower(identifier))
	if err != nil {
		return nil, mapPGError(err)
	}
	return &u, nil
}

func (s *pgUsers) SetRole(ctx context.Context, id string, role Role) error {
	res, err := s.db.ExecContext(ctx,
		`update principals set role=$2, updated_at=now() where id=$1`, id, string(role))
	if err != nil {
		return mapPGError(err)
	}
	return expectOne(res)
}

func (s *pgUsers) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update principals set active=$2, updated_at=now() where id=$1`, id, active)
	if err != nil {
		return mapPGError(err)
	}
	return expectOne(res)
}

func (s *pgUsers) RecordLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update principals set
			last_authenticated_at = $2,
			daily_calls = case when daily_calls_date = $2::date then daily_calls + 1 else 1 end,
			daily_calls_date = $2::date
		 where id=$1`, id, at.UTC())
	if err != nil {
		return mapPGError(err)
	}
	return expectOne(res)
}

func (s *pgUsers) Overrides(ctx context.Context, id string) ([]string, error) {
	var scopes []string
	err := s.db.SelectContext(ctx, &scopes,
		`select scope from permission_overrides where user_id=$1 order by scope`, id)
	if err != nil {
		return nil, mapPGError(err)
	}
	return scopes, nil
}

func (s *pgUsers) GrantOverride(ctx context.Context, id, scope string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into permission_overrides(user_id, scope) values($1,$2) on conflict do nothing`, id, scope)
	return mapPGError(err)
}

func (s *pgUsers) RevokeOverride(ctx context.Context, id, scope string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from permission_overrides where user_id=$1 and scope=$2`, id, scope)
	return mapPGError(err)
}

// Session store ------------------------------------------------------------

type pgSessions struct{ db *sqlx.DB }

const sessionColumns = `token_id, user_id, issued_at, expires_at, revoked, revoked_at, client_address, client_agent`

const insertSession = `insert into sessions(token_id, user_id, issued_at, expires_at, revoked, client_address, client_agent)
	values($1,$2,$3,$4,false,$5,$6)`

func (s *pgSessions) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, insertSession,
		sess.TokenID, sess.UserID, sess.IssuedAt, sess.ExpiresAt, sess.Address, sess.UserAgent)
	return mapPGError(err)
}

func (s *pgSessions) Find(ctx context.Context, tokenID string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `select `+sessionColumns+` from sessions where token_id=$1`, tokenID)
	if err != nil {
		return nil, mapPGError(err)
	}
	return &sess, nil
}

func (s *pgSessions) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set revoked=true, revoked_at=$2 where token_id=$1 and not revoked`, tokenID, at)
	return mapPGError(err)
}

func (s *pgSessions) RevokeByUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update sessions set revoked=true, revoked_at=$2 where user_id=$1 and not revoked`, userID, at)
	if err != nil {
		return 0, mapPGError(err)
	}
	return res.RowsAffected()
}

func (s *pgSessions) Rotate(ctx context.Context, oldTokenID string, next *Session, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The conditional update is the compare-and-swap: only one concurrent
	// rotation can flip revoked from false to true.
	res, err := tx.ExecContext(ctx,
		`update sessions set revoked=true, revoked_at=$2
		 where token_id=$1 and not revoked and expires_at > $2`, oldTokenID, at)
	if err != nil {
		return mapPGError(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff != 1 {
		return ErrSessionStale
	}
	if _, err := tx.ExecContext(ctx, insertSession,
		next.TokenID, next.UserID, next.IssuedAt, next.ExpiresAt, next.Address, next.UserAgent); err != nil {
		return mapPGError(err)
	}
	return tx.Commit()
}

// API key store ------------------------------------------------------------

type pgKeys struct{ db *sqlx.DB }

type keyRow struct {
	APIKey
	ScopeList string `db:"scopes"`
}

func (r keyRow) key() *APIKey {
	k := r.APIKey
	k.Scopes = strings.Fields(r.ScopeList)
	return &k
}

const keyColumns = `id, user_id, key_hash, prefix, scopes, hourly_limit, expires_at, revoked, revoked_at,
	created_by, created_at, last_used_at`

func (s *pgKeys) Create(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`insert into api_keys(id, user_id, key_hash, prefix, scopes, hourly_limit, expires_at, revoked, created_by, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,false,$8,$9)`,
		k.ID, k.UserID, k.KeyHash, k.Prefix, strings.Join(k.Scopes, " "), k.HourlyLimit, k.ExpiresAt,
		k.CreatedBy, k.CreatedAt,
	)
	return mapPGError(err)
}

func (s *pgKeys) Find(ctx context.Context, id string) (*APIKey, error) {
	var row keyRow
	if err := s.db.GetContext(ctx, &row, `select `+keyColumns+` from api_keys where id=$1`, id); err != nil {
		return nil, mapPGError(err)
	}
	return row.key(), nil
}

func (s *pgKeys) FindByHash(ctx context.Context, hash string) (*APIKey, error) {
	var row keyRow
	if err := s.db.GetContext(ctx, &row, `select `+keyColumns+` from api_keys where key_hash=$1`, hash); err != nil {
		return nil, mapPGError(err)
	}
	return row.key(), nil
}

func (s *pgKeys) ListByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	var rows []keyRow
	if err := s.db.SelectContext(ctx, &rows,
		`select `+keyColumns+` from api_keys where user_id=$1 order by created_at, id`, userID); err != nil {
		return nil, mapPGError(err)
	}
	out := make([]*APIKey, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.key())
	}
	return out, nil
}

func (s *pgKeys) Revoke(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update api_keys set revoked=true, revoked_at=$2 where id=$1 and not revoked`, id, at)
	return mapPGError(err)
}

func (s *pgKeys) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `update api_keys set last_used_at=$2 where id=$1`, id, at)
	return mapPGError(err)
}
