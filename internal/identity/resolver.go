package identity

import (
	"context"
	"fmt"
	"sort"

	"github.com/hitoshi/idlink/internal/metrics"
	"github.com/hitoshi/idlink/internal/model"
	"github.com/hitoshi/idlink/internal/repository"
)

// resolution は1回のトランザクションで確定した識別結果と、その過程で行った書き込みの集計。
// メトリクスはコミット成功後にのみ記録するため、トランザクション内では集計だけを行う。
type resolution struct {
	result   *Result
	outcome  string
	created  *model.Contact
	merged   int
	relinked int
}

// resolve はトランザクション内で入力に一致するクラスタを特定し、
// 必要に応じてクラスタの統合と新規レコードの作成を行う。
func resolve(ctx context.Context, repo repository.ContactRepository, email, phoneNumber string) (*resolution, error) {
	seeds, err := repo.FindByEmailOrPhone(ctx, email, phoneNumber)
	if err != nil {
		return nil, storeFailure("一致する連絡先の検索に失敗しました", err)
	}

	if len(seeds) == 0 {
		contact := &model.Contact{
			Email:          email,
			PhoneNumber:    phoneNumber,
			LinkPrecedence: model.LinkPrecedencePrimary,
		}
		if err := repo.Insert(ctx, contact); err != nil {
			return nil, storeFailure("プライマリ連絡先の作成に失敗しました", err)
		}
		return &resolution{
			result:  consolidate(contact, nil),
			outcome: metrics.OutcomeCreatedPrimary,
			created: contact,
		}, nil
	}

	roots, err := resolveRoots(ctx, repo, seeds)
	if err != nil {
		return nil, err
	}

	primary, secondaries, err := loadCluster(ctx, repo, roots[0].ID)
	if err != nil {
		return nil, err
	}

	res := &resolution{outcome: metrics.OutcomeUnchanged}

	// 古い順に他クラスタのプライマリを降格し、その配下をクラスタのプライマリへ付け替える
	for _, root := range roots[1:] {
		primaryID := primary.ID
		demoted, err := repo.UpdateLinkage(ctx, root.ID, model.LinkPrecedenceSecondary, &primaryID)
		if err != nil {
			return nil, storeFailure(fmt.Sprintf("プライマリ連絡先 %d の降格に失敗しました", root.ID), err)
		}
		moved, err := repo.RelinkSecondaries(ctx, root.ID, primary.ID)
		if err != nil {
			return nil, storeFailure(fmt.Sprintf("連絡先 %d 配下の付け替えに失敗しました", root.ID), err)
		}
		secondaries = append(secondaries, demoted)
		secondaries = append(secondaries, moved...)
		res.merged++
		res.relinked += len(moved)
	}
	if res.merged > 0 {
		res.outcome = metrics.OutcomeMerged
	}

	if hasNewInformation(email, phoneNumber, primary, secondaries) {
		primaryID := primary.ID
		contact := &model.Contact{
			Email:          email,
			PhoneNumber:    phoneNumber,
			LinkedID:       &primaryID,
			LinkPrecedence: model.LinkPrecedenceSecondary,
		}
		if err := repo.Insert(ctx, contact); err != nil {
			return nil, storeFailure("secondary連絡先の作成に失敗しました", err)
		}
		secondaries = append(secondaries, contact)
		res.created = contact
		res.outcome = metrics.OutcomeCreatedSecondary
	}

	res.result = consolidate(primary, secondaries)
	return res, nil
}

// lookup は指定IDの連絡先が属するクラスタを読み取り専用で解決する。
func lookup(ctx context.Context, repo repository.ContactRepository, id int64) (*Result, error) {
	contact, err := repo.FindByID(ctx, id)
	if err != nil {
		return nil, storeFailure(fmt.Sprintf("連絡先 %d の取得に失敗しました", id), err)
	}
	if contact == nil {
		return nil, fmt.Errorf("%w: %d", ErrContactNotFound, id)
	}

	root, err := findRoot(ctx, repo, contact, map[int64]*model.Contact{contact.ID: contact})
	if err != nil {
		return nil, err
	}

	primary, secondaries, err := loadCluster(ctx, repo, root.ID)
	if err != nil {
		return nil, err
	}
	return consolidate(primary, secondaries), nil
}

// loadCluster はプライマリIDのクラスタ全体を取得し、プライマリとsecondary群に分けて返す。
// 先頭レコードが指定したプライマリでない場合は、読み取りの間にクラスタが
// 変更されたとみなしてErrConflictを返す。
func loadCluster(ctx context.Context, repo repository.ContactRepository, primaryID int64) (*model.Contact, []*model.Contact, error) {
	cluster, err := repo.FindByPrimaryOrLinked(ctx, primaryID)
	if err != nil {
		return nil, nil, storeFailure(fmt.Sprintf("クラスタ %d の取得に失敗しました", primaryID), err)
	}
	if len(cluster) == 0 || cluster[0].ID != primaryID || !cluster[0].IsPrimary() {
		return nil, nil, fmt.Errorf("クラスタ %d が処理中に変更されました: %w", primaryID, repository.ErrConflict)
	}

	secondaries := make([]*model.Contact, 0, len(cluster)-1)
	secondaries = append(secondaries, cluster[1:]...)
	return cluster[0], secondaries, nil
}

// resolveRoots は一致したレコードそれぞれのプライマリを重複なしで求め、古い順に返す。
func resolveRoots(ctx context.Context, repo repository.ContactRepository, seeds []*model.Contact) ([]*model.Contact, error) {
	cache := make(map[int64]*model.Contact, len(seeds))
	for _, seed := range seeds {
		cache[seed.ID] = seed
	}

	seen := make(map[int64]bool)
	roots := make([]*model.Contact, 0, 1)
	for _, seed := range seeds {
		root, err := findRoot(ctx, repo, seed, cache)
		if err != nil {
			return nil, err
		}
		if seen[root.ID] {
			continue
		}
		seen[root.ID] = true
		roots = append(roots, root)
	}

	sort.SliceStable(roots, func(i, j int) bool {
		return roots[i].OlderThan(roots[j])
	})
	return roots, nil
}

// findRoot はlinked_idを辿ってcontactのプライマリを求める。
// 修復前のデータに残るsecondary同士の連鎖も辿るが、循環は不整合として扱う。
func findRoot(ctx context.Context, repo repository.ContactRepository, contact *model.Contact, cache map[int64]*model.Contact) (*model.Contact, error) {
	visited := make(map[int64]bool)
	current := contact
	for !current.IsPrimary() {
		if visited[current.ID] {
			return nil, inconsistent("連絡先 %d のlinked_idが循環しています", contact.ID)
		}
		visited[current.ID] = true

		parentID, ok := current.RootID()
		if !ok {
			return nil, inconsistent("secondary連絡先 %d にlinked_idがありません", current.ID)
		}

		parent, cached := cache[parentID]
		if !cached {
			var err error
			parent, err = repo.FindByID(ctx, parentID)
			if err != nil {
				return nil, storeFailure(fmt.Sprintf("連絡先 %d の取得に失敗しました", parentID), err)
			}
			if parent == nil {
				return nil, inconsistent("連絡先 %d のlinked_id %d が存在しません", current.ID, parentID)
			}
			cache[parentID] = parent
		}
		current = parent
	}
	return current, nil
}

// hasNewInformation は入力のemailまたはphoneNumberがクラスタ内に存在しないかどうかを返す。
// 空の入力は新情報とみなさない。
func hasNewInformation(email, phoneNumber string, primary *model.Contact, secondaries []*model.Contact) bool {
	emailKnown := email == "" || primary.Email == email
	phoneKnown := phoneNumber == "" || primary.PhoneNumber == phoneNumber
	for _, c := range secondaries {
		if emailKnown && phoneKnown {
			break
		}
		if c.Email == email {
			emailKnown = true
		}
		if c.PhoneNumber == phoneNumber {
			phoneKnown = true
		}
	}
	return !emailKnown || !phoneKnown
}
