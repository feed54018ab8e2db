package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/authgate/authgate-go/internal/model"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrDuplicateEmail = errors.New("email already exists")
)

const userColumns = `id, name, email, password_hash, email_verified_at, created_at, updated_at`

// UserRepository handles user persistence operations. Emails are stored
// lower-case, so lookups are case-insensitive.
type UserRepository struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *sql.DB, dialect Dialect) *UserRepository {
	return &UserRepository{db: db, dialect: dialect, now: time.Now}
}

// Create inserts a new user and sets the generated ID and timestamps on the user struct.
func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	now := r.now().UTC().Truncate(time.Millisecond)
	user.Email = strings.ToLower(user.Email)

	query := r.rebind(`INSERT INTO users (name, email, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`)
	args := []any{user.Name, user.Email, user.PasswordHash, r.timeArg(now), r.timeArg(now)}

	var id int64
	if r.dialect == DialectPostgres {
		err := r.db.QueryRowContext(ctx, query+` RETURNING id`, args...).Scan(&id)
		if err != nil {
			return r.insertError(err)
		}
	} else {
		result, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return r.insertError(err)
		}
		if id, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
	}

	user.ID = id
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetByEmail retrieves a user by their email address.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	query := r.rebind(`SELECT ` + userColumns + ` FROM users WHERE email = ?`)
	return r.scanUser(r.db.QueryRowContext(ctx, query, strings.ToLower(email)))
}

// GetByID retrieves a user by their ID.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	query := r.rebind(`SELECT ` + userColumns + ` FROM users WHERE id = ?`)
	return r.scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) scanUser(row *sql.Row) (*model.User, error) {
	user := &model.User{}
	var verified nullTime
	err := row.Scan(
		&user.ID, &user.Name, &user.Email, &user.PasswordHash,
		&verified, (*scanTime)(&user.CreatedAt), (*scanTime)(&user.UpdatedAt),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if verified.Valid {
		t := verified.Time
		user.EmailVerifiedAt = &t
	}
	return user, nil
}

func (r *UserRepository) insertError(err error) error {
	if isDuplicateEntryError(err) {
		return ErrDuplicateEmail
	}
	return fmt.Errorf("insert user: %w", err)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (r *UserRepository) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r *UserRepository) timeArg(t time.Time) any {
	if r.dialect == DialectSQLite {
		return t.UnixMilli()
	}
	return t
}

// isDuplicateEntryError reports a unique-constraint violation on any supported driver.
func isDuplicateEntryError(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	return false
}

// scanTime accepts the time representations of every supported driver:
// time.Time (pgx, mysql with parseTime), unix milliseconds (sqlite) and
// DATETIME text (mysql without parseTime).
type scanTime time.Time

func (s *scanTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*s = scanTime(v.UTC())
	case int64:
		*s = scanTime(time.UnixMilli(v).UTC())
	case []byte:
		return s.parse(string(v))
	case string:
		return s.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
	return nil
}

func (s *scanTime) parse(v string) error {
	t, err := time.ParseInLocation("2006-01-02 15:04:05.999999999", v, time.UTC)
	if err != nil {
		return fmt.Errorf("parse time %q: %w", v, err)
	}
	*s = scanTime(t)
	return nil
}

type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	if src == nil {
		n.Time, n.Valid = time.Time{}, false
		return nil
	}
	n.Valid = true
	return (*scanTime)(&n.Time).Scan(src)
}
