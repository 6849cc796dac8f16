package dclass

import (
	"fmt"
	"strings"
)

// Keyword is one field permission/behavior flag.
type Keyword uint16

const (
	KeywordRequired Keyword = 1 << iota
	KeywordRAM
	KeywordDB
	KeywordBroadcast
	KeywordOwnSend
	KeywordClSend
	KeywordOwnRecv
	KeywordAIRecv
	KeywordBogus
)

var keywordNames = []struct {
	k    Keyword
	name string
}{
	{KeywordRequired, "required"},
	{KeywordRAM, "ram"},
	{KeywordDB, "db"},
	{KeywordBroadcast, "broadcast"},
	{KeywordOwnSend, "ownsend"},
	{KeywordClSend, "clsend"},
	{KeywordOwnRecv, "ownrecv"},
	{KeywordAIRecv, "airecv"},
	{KeywordBogus, "bogus"},
}

// Keywords is a set of Keyword flags.
type Keywords uint16

func (ks Keywords) Has(k Keyword) bool {
	return uint16(ks)&uint16(k) != 0
}

func (ks Keywords) String() string {
	var names []string
	for _, kn := range keywordNames {
		if ks.Has(kn.k) {
			names = append(names, kn.name)
		}
	}
	return strings.Join(names, " ")
}

func parseKeywords(raw []string) (Keywords, error) {
	var ks Keywords
	for _, r := range raw {
		name := strings.ToLower(strings.TrimSpace(r))
		found := false
		for _, kn := range keywordNames {
			if kn.name == name {
				ks |= Keywords(kn.k)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown keyword %q", ErrInvalidSchema, r)
		}
	}
	return ks, nil
}
