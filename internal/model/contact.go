// Package model はドメインモデルを定義する。
package model

import "time"

// LinkPrecedence はクラスタ内での連絡先レコードの位置付けを表す。
type LinkPrecedence string

const (
	// LinkPrecedencePrimary はクラスタの正規レコード（最古のレコード）を示す。
	LinkPrecedencePrimary LinkPrecedence = "primary"
	// LinkPrecedenceSecondary はプライマリに紐付けられた非正規レコードを示す。
	LinkPrecedenceSecondary LinkPrecedence = "secondary"
)

// Contact は連絡先レコードを表す。
// EmailとPhoneNumberの少なくとも一方が設定される。空文字列は未設定を意味する。
// ID、CreatedAtは作成後に変更されない。LinkPrecedenceはprimaryからsecondaryへのみ遷移する。
type Contact struct {
	ID             int64
	Email          string
	PhoneNumber    string
	LinkedID       *int64 // secondaryの場合のみ設定され、常にクラスタのプライマリを指す
	LinkPrecedence LinkPrecedence
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// IsPrimary はレコードがプライマリかどうかを返す。
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrecedencePrimary
}

// OlderThan はレコードがotherより古いかどうかを返す。
// created_atが同一の場合はIDの小さい方を古いとみなす。
func (c *Contact) OlderThan(other *Contact) bool {
	if c.CreatedAt.Equal(other.CreatedAt) {
		return c.ID < other.ID
	}
	return c.CreatedAt.Before(other.CreatedAt)
}

// RootID はレコードが属するクラスタのプライマリIDを返す。
// プライマリの場合は自身のID、secondaryの場合はLinkedIDを返す。
// LinkedIDが未設定のsecondaryでは0とfalseを返す。
func (c *Contact) RootID() (int64, bool) {
	if c.IsPrimary() {
		return c.ID, true
	}
	if c.LinkedID == nil {
		return 0, false
	}
	return *c.LinkedID, true
}
