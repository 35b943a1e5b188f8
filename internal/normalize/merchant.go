package normalize

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/zombor/cashback-tracker/internal/ledger"
)

var folder = cases.Fold()

// NormalizeName produces the alias key of a merchant name: case folded, diacritics
// stripped, punctuation dropped and whitespace collapsed
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	folded := folder.String(stripped)

	var b strings.Builder
	space := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}

// Similarity is one minus the Levenshtein distance over the longer length
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	dist := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptionsWithSub)
	return 1 - float64(dist)/float64(longest)
}

// resolveMerchant matches the candidate name against the catalog and records the scored
// candidates on p. Below the threshold a new unresolved merchant is proposed.
func (n *Normalizer) resolveMerchant(p *ledger.ParsedReceipt, name, category string) error {
	name = strings.TrimSpace(name)
	key := NormalizeName(name)
	p.MerchantName = name
	if key == "" {
		p.NeedsReview(ReasonMissingMerchant)
		p.Category = detectCategory("", category)
		return fmt.Errorf("%w: merchant", ErrMissingRequiredField)
	}

	merchant, err := n.catalog.MerchantByAlias(key)
	switch {
	case err == nil:
		p.MerchantCandidates = []ledger.MerchantCandidate{{
			MerchantID:       merchant.ID,
			Name:             merchant.Name,
			Score:            1,
			TransactionCount: merchant.TransactionCount,
		}}
		n.useMerchant(p, merchant, 1, category)
		return nil
	case !errors.Is(err, ledger.ErrNotFound):
		return fmt.Errorf("looking up merchant alias: %w", err)
	}

	merchants, err := n.catalog.ListMerchants()
	if err != nil {
		return fmt.Errorf("listing merchants: %w", err)
	}
	candidates, byID := scoreCandidates(key, merchants)
	if len(candidates) > n.config.MaxCandidates && n.config.MaxCandidates > 0 {
		candidates = candidates[:n.config.MaxCandidates]
	}
	p.MerchantCandidates = candidates

	if len(candidates) > 0 && candidates[0].Score >= n.config.MerchantThreshold {
		n.useMerchant(p, byID[candidates[0].MerchantID], candidates[0].Score, category)
		return nil
	}

	best := 0.0
	if len(candidates) > 0 {
		best = candidates[0].Score
	}
	p.Category = detectCategory(key, category)
	p.NewMerchant = &ledger.Merchant{
		ID:         n.newID(),
		Name:       name,
		Category:   p.Category,
		Aliases:    []string{key},
		Unresolved: true,
	}
	p.MerchantID = p.NewMerchant.ID
	p.Confidence.Merchant = best
	p.NeedsReview(ReasonUnresolvedMerchant)
	return nil
}

func (n *Normalizer) useMerchant(p *ledger.ParsedReceipt, m *ledger.Merchant, score float64, category string) {
	p.MerchantID = m.ID
	p.Confidence.Merchant = score
	if m.Category != "" {
		p.Category = m.Category
	} else {
		p.Category = detectCategory(NormalizeName(m.Name), category)
	}
	if m.Unresolved {
		p.NeedsReview(ReasonUnresolvedMerchant)
	}
}

// scoreCandidates scores every merchant by its best matching alias. Candidates are
// ordered by score, then transaction count, then name.
func scoreCandidates(key string, merchants []*ledger.Merchant) ([]ledger.MerchantCandidate, map[string]*ledger.Merchant) {
	byID := make(map[string]*ledger.Merchant, len(merchants))
	candidates := make([]ledger.MerchantCandidate, 0, len(merchants))
	for _, m := range merchants {
		byID[m.ID] = m
		best := Similarity(key, NormalizeName(m.Name))
		for _, alias := range m.Aliases {
			if s := Similarity(key, alias); s > best {
				best = s
			}
		}
		candidates = append(candidates, ledger.MerchantCandidate{
			MerchantID:       m.ID,
			Name:             m.Name,
			Score:            best,
			TransactionCount: m.TransactionCount,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.TransactionCount != b.TransactionCount {
			return a.TransactionCount > b.TransactionCount
		}
		return a.Name < b.Name
	})
	return candidates, byID
}
