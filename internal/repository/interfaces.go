// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/idlink/internal/model"
)

// ContactRepository は連絡先レコードの永続化インターフェース。
// 削除済み（deleted_atが設定された）レコードはすべての検索から除外される。
type ContactRepository interface {
	// FindByEmailOrPhone はemailまたはphone_numberが一致するレコードを
	// created_at昇順（同時刻はID昇順）で返す。空文字列の引数は何にも一致しない。
	FindByEmailOrPhone(ctx context.Context, email, phoneNumber string) ([]*model.Contact, error)

	// FindByID は指定IDのレコードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Contact, error)

	// FindByPrimaryOrLinked はid = primaryID または linked_id = primaryID のレコードを
	// created_at昇順（同時刻はID昇順）で返す。
	// トランザクション内ではPostgreSQL実装が行ロック（FOR UPDATE）を取得する。
	FindByPrimaryOrLinked(ctx context.Context, primaryID int64) ([]*model.Contact, error)

	// Insert はレコードを作成する。ID、CreatedAt、UpdatedAtはストアが採番し、引数に書き戻す。
	Insert(ctx context.Context, contact *model.Contact) error

	// UpdateLinkage はレコードのlink_precedenceとlinked_idを更新する。
	// 更新はレコードがprimaryのままである場合に限り行う。
	// すでに同じlink_precedenceとlinked_idを持つ場合は冪等に成功する。
	// いずれにも該当しない場合はErrConflictを返す。
	UpdateLinkage(ctx context.Context, id int64, precedence model.LinkPrecedence, linkedID *int64) (*model.Contact, error)

	// RelinkSecondaries はlinked_id = fromPrimaryIDの全レコードをtoPrimaryIDに付け替え、
	// 付け替えたレコードを返す。
	RelinkSecondaries(ctx context.Context, fromPrimaryID, toPrimaryID int64) ([]*model.Contact, error)
}

// Transactor は識別子単位の排他制御を伴うトランザクション境界を提供する。
type Transactor interface {
	// WithinIdentifierLock はkeysごとの排他ロックを取得したトランザクション内でfnを実行する。
	// fnがエラーを返した場合はロールバックし、そのエラーを返す。
	// keysが空の場合はロックを取得せずにトランザクションのみを開始する。
	WithinIdentifierLock(ctx context.Context, keys []string, fn func(ctx context.Context, repo ContactRepository) error) error
}

// ContactStore はContactRepositoryとTransactorの両方を提供するストア。
type ContactStore interface {
	ContactRepository
	Transactor
}

// queryer は*sql.DBと*sql.Txに共通するクエリ実行メソッドを抽象化する。
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
