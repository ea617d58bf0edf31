package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/idlink/internal/model"
)

// SQLiteContactRepo はSQLiteを使用した連絡先リポジトリ。
// ローカル開発とテスト用の単一プロセス向け実装で、識別子ロックの代わりに
// プロセス内のミューテックスで全トランザクションを直列化する。
// タイムスタンプはUnixナノ秒のINTEGERとして保存する。
type SQLiteContactRepo struct {
	db    queryer
	txer  TxBeginner
	mu    *sync.Mutex
	clock *monotonicClock
}

// NewSQLiteContactRepo はSQLiteContactRepoを生成する。
func NewSQLiteContactRepo(db *sql.DB) *SQLiteContactRepo {
	r := &SQLiteContactRepo{
		mu:    &sync.Mutex{},
		clock: &monotonicClock{now: time.Now},
	}
	if db != nil {
		r.db = db
		r.txer = db
	}
	return r
}

// WithinIdentifierLock はミューテックスを取得してトランザクション内でfnを実行する。
// SQLiteは単一ライターのため、keysによらず全体を直列化する。
func (r *SQLiteContactRepo) WithinIdentifierLock(ctx context.Context, keys []string, fn func(ctx context.Context, repo ContactRepository) error) error {
	if r.txer == nil {
		return errors.New("nested transactions are not supported")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.txer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &SQLiteContactRepo{db: tx, clock: r.clock}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindByEmailOrPhone はemailまたはphone_numberが一致するレコードをcreated_at昇順で返す。
func (r *SQLiteContactRepo) FindByEmailOrPhone(ctx context.Context, email, phoneNumber string) ([]*model.Contact, error) {
	if email == "" && phoneNumber == "" {
		return nil, nil
	}

	contacts, err := r.queryContacts(ctx,
		`SELECT `+contactColumns+`
		 FROM contacts
		 WHERE deleted_at IS NULL AND (email = ? OR phone_number = ?)
		 ORDER BY created_at ASC, id ASC`,
		nullString(email), nullString(phoneNumber),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find contacts by email or phone: %w", err)
	}
	return contacts, nil
}

// FindByID は指定IDのレコードを取得する。見つからない場合はnilを返す。
func (r *SQLiteContactRepo) FindByID(ctx context.Context, id int64) (*model.Contact, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ? AND deleted_at IS NULL`,
		id,
	)
	contact, err := scanSQLiteContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contact by ID: %w", err)
	}
	return contact, nil
}

// FindByPrimaryOrLinked はプライマリとそれに紐付く全レコードをcreated_at昇順で返す。
func (r *SQLiteContactRepo) FindByPrimaryOrLinked(ctx context.Context, primaryID int64) ([]*model.Contact, error) {
	contacts, err := r.queryContacts(ctx,
		`SELECT `+contactColumns+`
		 FROM contacts
		 WHERE deleted_at IS NULL AND (id = ? OR linked_id = ?)
		 ORDER BY created_at ASC, id ASC`,
		primaryID, primaryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find cluster contacts: %w", err)
	}
	return contacts, nil
}

// Insert はレコードを作成し、採番されたIDとタイムスタンプを書き戻す。
func (r *SQLiteContactRepo) Insert(ctx context.Context, contact *model.Contact) error {
	if contact.LinkPrecedence == "" {
		contact.LinkPrecedence = model.LinkPrecedencePrimary
	}
	now := r.clock.Next()

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO contacts (email, phone_number, linked_id, link_precedence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		nullString(contact.Email), nullString(contact.PhoneNumber), nullInt64(contact.LinkedID),
		string(contact.LinkPrecedence), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert contact: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get inserted contact ID: %w", err)
	}

	contact.ID = id
	contact.CreatedAt = now
	contact.UpdatedAt = now
	return nil
}

// UpdateLinkage はprimaryのままのレコードに限りlink_precedenceとlinked_idを更新する。
// 既に同じ値を持つレコードへの更新は冪等に成功する。
func (r *SQLiteContactRepo) UpdateLinkage(ctx context.Context, id int64, precedence model.LinkPrecedence, linkedID *int64) (*model.Contact, error) {
	if linkedID != nil && *linkedID == id {
		return nil, fmt.Errorf("contact %d cannot be linked to itself", id)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE contacts
		 SET link_precedence = ?, linked_id = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL
		   AND (link_precedence = 'primary' OR (link_precedence = ? AND linked_id IS ?))`,
		string(precedence), nullInt64(linkedID), r.clock.Next().UnixNano(),
		id, string(precedence), nullInt64(linkedID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update contact linkage: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("contact %d is no longer primary: %w", id, ErrConflict)
	}

	return r.FindByID(ctx, id)
}

// RelinkSecondaries はlinked_id = fromPrimaryIDの全レコードをtoPrimaryIDに付け替える。
func (r *SQLiteContactRepo) RelinkSecondaries(ctx context.Context, fromPrimaryID, toPrimaryID int64) ([]*model.Contact, error) {
	if fromPrimaryID == toPrimaryID {
		return nil, nil
	}

	contacts, err := r.queryContacts(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE linked_id = ? AND deleted_at IS NULL`,
		fromPrimaryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find secondaries to relink: %w", err)
	}
	if len(contacts) == 0 {
		return nil, nil
	}

	now := r.clock.Next()
	if _, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET linked_id = ?, updated_at = ? WHERE linked_id = ? AND deleted_at IS NULL`,
		toPrimaryID, now.UnixNano(), fromPrimaryID,
	); err != nil {
		return nil, fmt.Errorf("failed to relink secondaries: %w", err)
	}

	for _, c := range contacts {
		to := toPrimaryID
		c.LinkedID = &to
		c.UpdatedAt = now
	}
	return contacts, nil
}

func (r *SQLiteContactRepo) queryContacts(ctx context.Context, query string, args ...any) ([]*model.Contact, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*model.Contact
	for rows.Next() {
		c, err := scanSQLiteContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func scanSQLiteContact(s rowScanner) (*model.Contact, error) {
	c := &model.Contact{}
	var (
		email, phone         sql.NullString
		linkedID, deletedAt  sql.NullInt64
		precedence           string
		createdAt, updatedAt int64
	)
	if err := s.Scan(&c.ID, &email, &phone, &linkedID, &precedence, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}

	c.Email = email.String
	c.PhoneNumber = phone.String
	c.LinkPrecedence = model.LinkPrecedence(precedence)
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if linkedID.Valid {
		v := linkedID.Int64
		c.LinkedID = &v
	}
	if deletedAt.Valid {
		v := time.Unix(0, deletedAt.Int64).UTC()
		c.DeletedAt = &v
	}
	return c, nil
}

// monotonicClock は単調増加する時刻を払い出す。
// 同一ナノ秒内の連続作成でもcreated_atの順序が作成順と一致するようにする。
type monotonicClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// Next は直前に払い出した時刻より厳密に後の時刻を返す。
func (c *monotonicClock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Round(0)
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// compile-time interface check
var _ ContactStore = (*SQLiteContactRepo)(nil)
