package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/idlink/internal/model"
)

const contactColumns = `id, email, phone_number, linked_id, link_precedence, created_at, updated_at, deleted_at`

// PostgresContactRepo はPostgreSQLを使用した連絡先リポジトリ。
// WithinIdentifierLockで開始したトランザクション内では、同じ型の別インスタンスが
// *sql.Txを保持してfnに渡される。
type PostgresContactRepo struct {
	db   queryer
	txer TxBeginner
	inTx bool
}

// NewPostgresContactRepo はPostgresContactRepoを生成する。
func NewPostgresContactRepo(db *sql.DB) *PostgresContactRepo {
	r := &PostgresContactRepo{}
	// nilの*sql.DBを非nilのインターフェースとして保持しないようにする
	if db != nil {
		r.db = db
		r.txer = db
	}
	return r
}

// WithinIdentifierLock はトランザクションを開始し、keysごとに
// pg_advisory_xact_lockを昇順で取得してからfnを実行する。
// ロックはコミットまたはロールバック時に自動的に解放される。
func (r *PostgresContactRepo) WithinIdentifierLock(ctx context.Context, keys []string, fn func(ctx context.Context, repo ContactRepository) error) error {
	if r.txer == nil {
		return errors.New("nested transactions are not supported")
	}

	tx, err := r.txer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range normalizeLockKeys(keys) {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("failed to acquire identifier lock: %w", err)
		}
	}

	if err := fn(ctx, &PostgresContactRepo{db: tx, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindByEmailOrPhone はemailまたはphone_numberが一致するレコードをcreated_at昇順で返す。
func (r *PostgresContactRepo) FindByEmailOrPhone(ctx context.Context, email, phoneNumber string) ([]*model.Contact, error) {
	if email == "" && phoneNumber == "" {
		return nil, nil
	}

	contacts, err := r.queryContacts(ctx,
		`SELECT `+contactColumns+`
		 FROM contacts
		 WHERE deleted_at IS NULL AND (email = $1 OR phone_number = $2)
		 ORDER BY created_at ASC, id ASC`,
		nullString(email), nullString(phoneNumber),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find contacts by email or phone: %w", err)
	}
	return contacts, nil
}

// FindByID は指定IDのレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresContactRepo) FindByID(ctx context.Context, id int64) (*model.Contact, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	contact, err := scanPostgresContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contact by ID: %w", err)
	}
	return contact, nil
}

// FindByPrimaryOrLinked はプライマリとそれに紐付く全レコードをcreated_at昇順で返す。
// トランザクション内ではFOR UPDATEで行ロックを取得し、並行する降格処理の完了を待つ。
func (r *PostgresContactRepo) FindByPrimaryOrLinked(ctx context.Context, primaryID int64) ([]*model.Contact, error) {
	query := `SELECT ` + contactColumns + `
		 FROM contacts
		 WHERE deleted_at IS NULL AND (id = $1 OR linked_id = $1)
		 ORDER BY created_at ASC, id ASC`
	if r.inTx {
		query += ` FOR UPDATE`
	}

	contacts, err := r.queryContacts(ctx, query, primaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to find cluster contacts: %w", err)
	}
	return contacts, nil
}

// Insert はレコードを作成し、採番されたID、created_at、updated_atを書き戻す。
// created_atにはclock_timestamp()を使用し、同一トランザクション内の作成順を保持する。
func (r *PostgresContactRepo) Insert(ctx context.Context, contact *model.Contact) error {
	if contact.LinkPrecedence == "" {
		contact.LinkPrecedence = model.LinkPrecedencePrimary
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO contacts (email, phone_number, linked_id, link_precedence)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		nullString(contact.Email), nullString(contact.PhoneNumber), nullInt64(contact.LinkedID), string(contact.LinkPrecedence),
	).Scan(&contact.ID, &contact.CreatedAt, &contact.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert contact: %w", err)
	}
	return nil
}

// UpdateLinkage はprimaryのままのレコードに限りlink_precedenceとlinked_idを更新する。
// 既に同じ値を持つレコードへの更新は冪等に成功する。
func (r *PostgresContactRepo) UpdateLinkage(ctx context.Context, id int64, precedence model.LinkPrecedence, linkedID *int64) (*model.Contact, error) {
	if linkedID != nil && *linkedID == id {
		return nil, fmt.Errorf("contact %d cannot be linked to itself", id)
	}

	row := r.db.QueryRowContext(ctx,
		`UPDATE contacts
		 SET link_precedence = $2, linked_id = $3, updated_at = clock_timestamp()
		 WHERE id = $1 AND deleted_at IS NULL
		   AND (link_precedence = 'primary'
		        OR (link_precedence = $2 AND linked_id IS NOT DISTINCT FROM $3))
		 RETURNING `+contactColumns,
		id, string(precedence), nullInt64(linkedID),
	)
	contact, err := scanPostgresContact(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("contact %d is no longer primary: %w", id, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update contact linkage: %w", err)
	}
	return contact, nil
}

// RelinkSecondaries はlinked_id = fromPrimaryIDの全レコードをtoPrimaryIDに付け替える。
func (r *PostgresContactRepo) RelinkSecondaries(ctx context.Context, fromPrimaryID, toPrimaryID int64) ([]*model.Contact, error) {
	if fromPrimaryID == toPrimaryID {
		return nil, nil
	}

	contacts, err := r.queryContacts(ctx,
		`UPDATE contacts
		 SET linked_id = $2, updated_at = clock_timestamp()
		 WHERE linked_id = $1 AND deleted_at IS NULL
		 RETURNING `+contactColumns,
		fromPrimaryID, toPrimaryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to relink secondaries: %w", err)
	}
	return contacts, nil
}

// queryContacts はクエリを実行し、結果をContactのスライスとして返す。
func (r *PostgresContactRepo) queryContacts(ctx context.Context, query string, args ...any) ([]*model.Contact, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*model.Contact
	for rows.Next() {
		c, err := scanPostgresContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// rowScanner は*sql.Rowと*sql.Rowsに共通するScanを抽象化する。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresContact(s rowScanner) (*model.Contact, error) {
	c := &model.Contact{}
	var (
		email, phone sql.NullString
		linkedID     sql.NullInt64
		precedence   string
		deletedAt    sql.NullTime
	)
	if err := s.Scan(&c.ID, &email, &phone, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}

	c.Email = email.String
	c.PhoneNumber = phone.String
	c.LinkPrecedence = model.LinkPrecedence(precedence)
	if linkedID.Valid {
		v := linkedID.Int64
		c.LinkedID = &v
	}
	if deletedAt.Valid {
		v := deletedAt.Time
		c.DeletedAt = &v
	}
	return c, nil
}

// nullString は空文字列をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// compile-time interface check
var _ ContactStore = (*PostgresContactRepo)(nil)
