package identity

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/idlink/internal/model"
	"github.com/hitoshi/idlink/internal/repository"
)

// --- インメモリのContactStore ---

var baseTime = time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)

// memStore はトランザクションを直列に実行するインメモリのContactStore。
// トランザクションは行のコピーに対して実行され、fnが成功した場合のみ反映される。
type memStore struct {
	mu     sync.Mutex
	rows   map[int64]*model.Contact
	nextID int64
	clock  time.Time

	// onCall は各リポジトリメソッドの先頭で呼ばれる。非nilのエラーを返すとそのメソッドが失敗する。
	onCall func(method string) error

	txCount int
	txKeys  [][]string
}

func newMemStore() *memStore {
	return &memStore{
		rows:   make(map[int64]*model.Contact),
		nextID: 1,
		clock:  baseTime,
	}
}

// seed はレコードをそのまま登録する。IDとCreatedAtが未設定の場合は採番する。
func (s *memStore) seed(t *testing.T, c *model.Contact) *model.Contact {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == 0 {
		c.ID = s.nextID
	}
	if c.ID >= s.nextID {
		s.nextID = c.ID + 1
	}
	if c.CreatedAt.IsZero() {
		s.clock = s.clock.Add(time.Second)
		c.CreatedAt = s.clock
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.LinkPrecedence == "" {
		c.LinkPrecedence = model.LinkPrecedencePrimary
	}
	s.rows[c.ID] = cloneContact(c)
	return c
}

// get はコミット済みのレコードを返す。
func (s *memStore) get(id int64) *model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.rows[id]; ok {
		return cloneContact(c)
	}
	return nil
}

// all はコミット済みの全レコードをID昇順で返す。
func (s *memStore) all() []*model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*model.Contact, 0, len(s.rows))
	for _, c := range s.rows {
		result = append(result, cloneContact(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *memStore) WithinIdentifierLock(ctx context.Context, keys []string, fn func(ctx context.Context, repo repository.ContactRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txCount++
	s.txKeys = append(s.txKeys, append([]string(nil), keys...))

	tx := &memTx{
		store:  s,
		rows:   make(map[int64]*model.Contact, len(s.rows)),
		nextID: s.nextID,
		clock:  s.clock,
	}
	for id, c := range s.rows {
		tx.rows[id] = cloneContact(c)
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.rows = tx.rows
	s.nextID = tx.nextID
	s.clock = tx.clock
	return nil
}

// live はコミット済みの行を直接操作するmemTxを返す。呼び出し側がmuを保持すること。
func (s *memStore) live() *memTx {
	return &memTx{store: s, rows: s.rows, nextID: s.nextID, clock: s.clock}
}

func (s *memStore) FindByEmailOrPhone(ctx context.Context, email, phoneNumber string) ([]*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().FindByEmailOrPhone(ctx, email, phoneNumber)
}

func (s *memStore) FindByID(ctx context.Context, id int64) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().FindByID(ctx, id)
}

func (s *memStore) FindByPrimaryOrLinked(ctx context.Context, primaryID int64) ([]*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().FindByPrimaryOrLinked(ctx, primaryID)
}

func (s *memStore) Insert(ctx context.Context, contact *model.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.live()
	if err := tx.Insert(ctx, contact); err != nil {
		return err
	}
	s.nextID, s.clock = tx.nextID, tx.clock
	return nil
}

func (s *memStore) UpdateLinkage(ctx context.Context, id int64, precedence model.LinkPrecedence, linkedID *int64) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().UpdateLinkage(ctx, id, precedence, linkedID)
}

func (s *memStore) RelinkSecondaries(ctx context.Context, fromPrimaryID, toPrimaryID int64) ([]*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().RelinkSecondaries(ctx, fromPrimaryID, toPrimaryID)
}

// memTx はトランザクション内のリポジトリ。
type memTx struct {
	store  *memStore
	rows   map[int64]*model.Contact
	nextID int64
	clock  time.Time
}

func (tx *memTx) hook(method string) error {
	if tx.store.onCall != nil {
		return tx.store.onCall(method)
	}
	return nil
}

func (tx *memTx) sorted(match func(c *model.Contact) bool) []*model.Contact {
	var result []*model.Contact
	for _, c := range tx.rows {
		if c.DeletedAt == nil && match(c) {
			result = append(result, cloneContact(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OlderThan(result[j]) })
	return result
}

func (tx *memTx) FindByEmailOrPhone(ctx context.Context, email, phoneNumber string) ([]*model.Contact, error) {
	if err := tx.hook("FindByEmailOrPhone"); err != nil {
		return nil, err
	}
	return tx.sorted(func(c *model.Contact) bool {
		return (email != "" && c.Email == email) || (phoneNumber != "" && c.PhoneNumber == phoneNumber)
	}), nil
}

func (tx *memTx) FindByID(ctx context.Context, id int64) (*model.Contact, error) {
	if err := tx.hook("FindByID"); err != nil {
		return nil, err
	}
	c, ok := tx.rows[id]
	if !ok || c.DeletedAt != nil {
		return nil, nil
	}
	return cloneContact(c), nil
}

func (tx *memTx) FindByPrimaryOrLinked(ctx context.Context, primaryID int64) ([]*model.Contact, error) {
	if err := tx.hook("FindByPrimaryOrLinked"); err != nil {
		return nil, err
	}
	return tx.sorted(func(c *model.Contact) bool {
		return c.ID == primaryID || (c.LinkedID != nil && *c.LinkedID == primaryID)
	}), nil
}

func (tx *memTx) Insert(ctx context.Context, contact *model.Contact) error {
	if err := tx.hook("Insert"); err != nil {
		return err
	}
	if contact.LinkPrecedence == "" {
		contact.LinkPrecedence = model.LinkPrecedencePrimary
	}
	tx.clock = tx.clock.Add(time.Second)
	contact.ID = tx.nextID
	contact.CreatedAt = tx.clock
	contact.UpdatedAt = tx.clock
	tx.nextID++
	tx.rows[contact.ID] = cloneContact(contact)
	return nil
}

func (tx *memTx) UpdateLinkage(ctx context.Context, id int64, precedence model.LinkPrecedence, linkedID *int64) (*model.Contact, error) {
	if err := tx.hook("UpdateLinkage"); err != nil {
		return nil, err
	}
	c, ok := tx.rows[id]
	if !ok {
		return nil, repository.ErrConflict
	}
	sameLink := c.LinkPrecedence == precedence && equalID(c.LinkedID, linkedID)
	if !c.IsPrimary() && !sameLink {
		return nil, repository.ErrConflict
	}
	c.LinkPrecedence = precedence
	c.LinkedID = copyID(linkedID)
	return cloneContact(c), nil
}

func (tx *memTx) RelinkSecondaries(ctx context.Context, fromPrimaryID, toPrimaryID int64) ([]*model.Contact, error) {
	if err := tx.hook("RelinkSecondaries"); err != nil {
		return nil, err
	}
	var moved []*model.Contact
	for _, c := range tx.rows {
		if c.LinkedID != nil && *c.LinkedID == fromPrimaryID {
			c.LinkedID = copyID(&toPrimaryID)
			moved = append(moved, cloneContact(c))
		}
	}
	sort.Slice(moved, func(i, j int) bool { return moved[i].OlderThan(moved[j]) })
	return moved, nil
}

func cloneContact(c *model.Contact) *model.Contact {
	cp := *c
	cp.LinkedID = copyID(c.LinkedID)
	return &cp
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func equalID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func int64Ptr(v int64) *int64 {
	return &v
}

// assertClusterInvariants はコミット済みの全レコードについて、
// secondaryのlinked_idがプライマリを指し、プライマリがクラスタ内で最も古いことを検証する。
func assertClusterInvariants(t *testing.T, s *memStore) {
	t.Helper()

	rows := s.all()
	byID := make(map[int64]*model.Contact, len(rows))
	for _, c := range rows {
		byID[c.ID] = c
	}

	for _, c := range rows {
		if c.Email == "" && c.PhoneNumber == "" {
			t.Errorf("contact %d has neither email nor phone number", c.ID)
		}
		if c.IsPrimary() {
			if c.LinkedID != nil {
				t.Errorf("primary contact %d has linked_id %d", c.ID, *c.LinkedID)
			}
			continue
		}
		if c.LinkedID == nil {
			t.Errorf("secondary contact %d has no linked_id", c.ID)
			continue
		}
		primary, ok := byID[*c.LinkedID]
		if !ok {
			t.Errorf("secondary contact %d links to missing contact %d", c.ID, *c.LinkedID)
			continue
		}
		if !primary.IsPrimary() {
			t.Errorf("secondary contact %d links to non-primary contact %d", c.ID, primary.ID)
		}
		if c.OlderThan(primary) {
			t.Errorf("secondary contact %d is older than its primary %d", c.ID, primary.ID)
		}
	}
}
