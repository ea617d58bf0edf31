package identity

import (
	"sort"

	"github.com/hitoshi/idlink/internal/model"
)

// Result はクラスタを統合した識別結果。
// スライスは常に非nilで、要素がない場合は空スライスとなる。
type Result struct {
	PrimaryContactID    int64
	Emails              []string
	PhoneNumbers        []string
	SecondaryContactIDs []int64
}

// consolidate はプライマリとsecondary群から識別結果を組み立てる。
// email・phoneNumberはプライマリの値を先頭に、以降はsecondaryをcreated_at昇順
// （同時刻はID昇順）で並べ、初出を残して重複と空値を除く。
func consolidate(primary *model.Contact, secondaries []*model.Contact) *Result {
	ordered := sortedUnique(primary.ID, secondaries)

	result := &Result{
		PrimaryContactID:    primary.ID,
		Emails:              []string{},
		PhoneNumbers:        []string{},
		SecondaryContactIDs: make([]int64, 0, len(ordered)),
	}

	emails := newOrderedSet(&result.Emails)
	phones := newOrderedSet(&result.PhoneNumbers)

	emails.add(primary.Email)
	phones.add(primary.PhoneNumber)
	for _, c := range ordered {
		emails.add(c.Email)
		phones.add(c.PhoneNumber)
		result.SecondaryContactIDs = append(result.SecondaryContactIDs, c.ID)
	}

	return result
}

// sortedUnique はsecondary群をID重複なしでcreated_at昇順に並べ替えた新しいスライスを返す。
// primaryIDと同じIDのレコードは除外する。
func sortedUnique(primaryID int64, contacts []*model.Contact) []*model.Contact {
	seen := make(map[int64]bool, len(contacts))
	result := make([]*model.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c == nil || c.ID == primaryID || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		result = append(result, c)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OlderThan(result[j])
	})
	return result
}

// orderedSet は挿入順を保持する文字列集合。
type orderedSet struct {
	seen   map[string]bool
	values *[]string
}

func newOrderedSet(values *[]string) *orderedSet {
	return &orderedSet{seen: make(map[string]bool), values: values}
}

func (s *orderedSet) add(v string) {
	if v == "" || s.seen[v] {
		return
	}
	s.seen[v] = true
	*s.values = append(*s.values, v)
}
