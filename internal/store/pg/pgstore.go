// Package pg persists actors, payments, and audit records in Postgres via
// database/sql over the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"payguard.org/internal/actor"
	"payguard.org/internal/ids"
	"payguard.org/internal/payment"
)

const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// FromDB wraps an existing handle; used by tests with sqlmock.
func FromDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Actors() *ActorStore     { return &ActorStore{db: s.db} }
func (s *Store) Payments() *PaymentStore { return &PaymentStore{db: s.db} }
func (s *Store) AuditLog() *AuditLog     { return &AuditLog{db: s.db} }

// ActorStore implements actor.Store.
type ActorStore struct {
	db *sql.DB
}

var _ actor.Store = (*ActorStore)(nil)

func (s *ActorStore) Create(ctx context.Context, a *actor.Actor) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Role == "" {
		a.Role = actor.RoleEmployee
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into actors(id, human_id, role, password_digest, totp_secret, totp_enrolled,
			last_reauth_at, reauth_failures, created_at, updated_at)
		values ($1, lower($2), $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.HumanID, a.Role, a.PasswordDigest, a.TOTPSecretEncrypted, a.TOTPEnrolled,
		a.LastReauthAt, a.ReauthFailures, a.CreatedAt, a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return actor.ErrAlreadyExists
	}
	return err
}

const actorColumns = `id, human_id, role, password_digest, totp_secret, totp_enrolled,
	last_reauth_at, reauth_failures, created_at, updated_at`

func (s *ActorStore) Find(ctx context.Context, id string) (*actor.Actor, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+actorColumns+` from actors where id=$1`, id)
	return scanActor(row)
}

func (s *ActorStore) FindByHumanID(ctx context.Context, humanID string) (*actor.Actor, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+actorColumns+` from actors where human_id=lower($1)`, strings.TrimSpace(humanID))
	return scanActor(row)
}

func (s *ActorStore) Save(ctx context.Context, a *actor.Actor) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		update actors
		set password_digest=$2, totp_secret=$3, totp_enrolled=$4,
			last_reauth_at=$5, reauth_failures=$6, updated_at=$7
		where id=$1
	`, a.ID, a.PasswordDigest, a.TOTPSecretEncrypted, a.TOTPEnrolled,
		a.LastReauthAt, a.ReauthFailures, a.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return actor.ErrNotFound
	}
	return nil
}

func scanActor(row *sql.Row) (*actor.Actor, error) {
	var a actor.Actor
	err := row.Scan(&a.ID, &a.HumanID, &a.Role, &a.PasswordDigest, &a.TOTPSecretEncrypted,
		&a.TOTPEnrolled, &a.LastReauthAt, &a.ReauthFailures, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, actor.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// PaymentStore implements payment.Store.
type PaymentStore struct {
	db *sql.DB
}

var _ payment.Store = (*PaymentStore)(nil)

func (s *PaymentStore) Create(ctx context.Context, p *payment.Payment) error {
	if p.ID == "" {
		p.ID = ids.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into payments(id, owner_id, amount, currency,
			beneficiary_name, beneficiary_bank, beneficiary_account, beneficiary_swift,
			status, sent_to_swift, verified_by, verified_at, swift_sent_at,
			acknowledged, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, p.ID, p.OwnerID, p.Amount, string(p.Currency),
		p.Beneficiary.Name, p.Beneficiary.Bank, p.Beneficiary.Account, p.Beneficiary.SwiftCode,
		string(p.Status), p.SentToSwift, p.VerifiedBy, p.VerifiedAt, p.SwiftSentAt,
		p.Acknowledged, p.CreatedAt, p.UpdatedAt)
	return err
}

const paymentColumns = `id, owner_id, amount, currency,
	beneficiary_name, beneficiary_bank, beneficiary_account, beneficiary_swift,
	status, sent_to_swift, verified_by, verified_at, swift_sent_at,
	acknowledged, created_at, updated_at`

func (s *PaymentStore) Find(ctx context.Context, id string) (*payment.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+paymentColumns+` from payments where id=$1`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payment.ErrNotFound
	}
	return p, err
}

func (s *PaymentStore) Save(ctx context.Context, p *payment.Payment) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		update payments
		set status=$2, sent_to_swift=$3, verified_by=$4, verified_at=$5,
			swift_sent_at=$6, acknowledged=$7, updated_at=$8
		where id=$1
	`, p.ID, string(p.Status), p.SentToSwift, p.VerifiedBy, p.VerifiedAt,
		p.SwiftSentAt, p.Acknowledged, p.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return payment.ErrNotFound
	}
	return nil
}

func (s *PaymentStore) List(ctx context.Context, f payment.Filter, limit int) ([]payment.Payment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	where := []string{"true"}
	args := []any{}
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		where = append(where, fmt.Sprintf("owner_id=$%d", len(args)))
	}
	if f.SentToSwift != nil {
		args = append(args, *f.SentToSwift)
		where = append(where, fmt.Sprintf("sent_to_swift=$%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			args = append(args, string(st))
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "status in ("+strings.Join(ph, ",")+")")
	}
	args = append(args, limit)

	q := `select ` + paymentColumns + ` from payments where ` +
		strings.Join(where, " and ") +
		fmt.Sprintf(" order by created_at asc limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*payment.Payment, error) {
	var (
		p        payment.Payment
		currency string
		status   string
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.Amount, &currency,
		&p.Beneficiary.Name, &p.Beneficiary.Bank, &p.Beneficiary.Account, &p.Beneficiary.SwiftCode,
		&status, &p.SentToSwift, &p.VerifiedBy, &p.VerifiedAt, &p.SwiftSentAt,
		&p.Acknowledged, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Currency = payment.Currency(currency)
	p.Status = payment.Status(status)
	return &p, nil
}

// AuditLog implements audit.Sink and audit.Counter on top of Postgres. The
// recorder serializes calls, so neither method needs its own locking.
type AuditLog struct {
	db *sql.DB
}

func (l *AuditLog) Append(line []byte) error {
	_, err := l.db.Exec(`insert into audit_records(line) values ($1)`, string(line))
	return err
}

func (l *AuditLog) Next() (uint64, error) {
	var seq uint64
	err := l.db.QueryRow(
		`update audit_seq set value = value + 1 where id = 1 returning value`,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.New("pg: audit_seq row missing; run migrations")
	}
	return seq, err
}
