// Package namematch decides whether a candidate string on a page refers
// to a known account holder. It never returns an error: a
// failed match is a {Matched:false} result with a rationale.
package namematch

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/nexusidp/document-processor/internal/model"
)

// MinAcceptanceThreshold is the minimum confidence for a match to count.
const MinAcceptanceThreshold = 85

// Result is the outcome of a match attempt. Never carries an error;
// a non-match is Result{Matched:false, Rationale:"..."}.
type Result struct {
	Matched    bool
	Confidence int
	Rationale  string
}

var nonDigit = regexp.MustCompile(`[^0-9]`)
var accountSeparators = strings.NewReplacer("-", "", " ", "", "O", "0", "o", "0")

// MatchAccountNumber implements decision step 1: exact or
// separator-normalized account-number equality.
func MatchAccountNumber(candidate, accountNumber string) Result {
	if accountNumber == "" {
		return Result{Rationale: "no account number on file"}
	}
	a := accountSeparators.Replace(strings.ToUpper(candidate))
	b := accountSeparators.Replace(strings.ToUpper(accountNumber))
	if a == b {
		return Result{Matched: true, Confidence: 100, Rationale: "account number match"}
	}
	return Result{Rationale: "account number mismatch"}
}

// MatchSSN implements decision step 2.
func MatchSSN(candidate, ssn string) Result {
	if ssn == "" {
		return Result{Rationale: "no ssn on file"}
	}
	a := nonDigit.ReplaceAllString(candidate, "")
	b := nonDigit.ReplaceAllString(ssn, "")
	if a != "" && a == b {
		return Result{Matched: true, Confidence: 100, Rationale: "ssn match"}
	}
	return Result{Rationale: "ssn mismatch"}
}

// MatchHolder runs the full decision procedure (steps 1-5) against one
// holder, returning the first successful step, or a non-match.
func MatchHolder(candidate string, holder model.Holder, accountNumber string) Result {
	if r := MatchAccountNumber(candidate, accountNumber); r.Matched {
		return r
	}
	if r := MatchSSN(candidate, holder.SSN); r.Matched {
		return r
	}
	if r := matchFullName(candidate, holder.FullName); r.Matched {
		return r
	}
	if r := matchLastNameOnly(candidate, holder.FullName); r.Matched {
		return r
	}
	if r := matchFirstNameOnly(candidate, holder.FullName); r.Matched {
		return r
	}
	return Result{Rationale: "no match"}
}

// MatchRole runs the role-bearing name extracted from a vital-record
// document (surviving spouse, informant, bride/groom, parent) against a
// holder, per decision step 6: steps 3 through 5 (full name, last-name-
// only, first-name-only) in the same order MatchHolder applies them.
// Confidence equals the underlying name match strength.
func MatchRole(roleName string, holder model.Holder) Result {
	if r := matchFullName(roleName, holder.FullName); r.Matched {
		return r
	}
	if r := matchLastNameOnly(roleName, holder.FullName); r.Matched {
		return r
	}
	if r := matchFirstNameOnly(roleName, holder.FullName); r.Matched {
		return r
	}
	return Result{Rationale: "no role match"}
}

// Components is the normalized [first, middle, last] triple.
type Components struct {
	First, Middle, Last string
}

// normalize applies the mandatory normalization: uppercase ASCII-fold,
// strip punctuation, collapse whitespace.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '-', '\'', ',':
			continue
		}
		b.WriteRune(r)
	}
	folded := asciiFold(strings.ToUpper(b.String()))
	fields := strings.Fields(folded)
	return strings.Join(fields, " ")
}

// asciiFold strips diacritics by mapping accented letters to their
// closest ASCII base letter. Only the Latin-1 supplement range is
// handled; names outside it pass through unchanged.
func asciiFold(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 128 {
			b.WriteRune(r)
			continue
		}
		b.WriteRune(foldRune(r))
	}
	return b.String()
}

var foldTable = map[rune]rune{
	'À': 'A', 'Á': 'A', 'Â': 'A', 'Ã': 'A', 'Ä': 'A', 'Å': 'A',
	'È': 'E', 'É': 'E', 'Ê': 'E', 'Ë': 'E',
	'Ì': 'I', 'Í': 'I', 'Î': 'I', 'Ï': 'I',
	'Ò': 'O', 'Ó': 'O', 'Ô': 'O', 'Õ': 'O', 'Ö': 'O',
	'Ù': 'U', 'Ú': 'U', 'Û': 'U', 'Ü': 'U',
	'Ñ': 'N', 'Ç': 'C', 'Ý': 'Y',
}

func foldRune(r rune) rune {
	if mapped, ok := foldTable[r]; ok {
		return mapped
	}
	if unicode.IsLetter(r) {
		return r
	}
	return r
}

// parseComponents splits a normalized name into [first, middle, last]
// per the §4.4 token rule.
func parseComponents(normalized string) Components {
	tokens := strings.Fields(normalized)
	switch len(tokens) {
	case 0:
		return Components{}
	case 1:
		return Components{First: tokens[0]}
	case 2:
		return Components{First: tokens[0], Last: tokens[1]}
	case 3:
		return Components{First: tokens[0], Middle: tokens[1], Last: tokens[2]}
	default:
		return Components{
			First:  tokens[0],
			Middle: strings.Join(tokens[1:len(tokens)-1], " "),
			Last:   tokens[len(tokens)-1],
		}
	}
}

func matchFullName(candidate, fullName string) Result {
	return matchFullNameComponents(normalize(candidate), normalize(fullName))
}

func matchFullNameComponents(a, b string) Result {
	if a == "" || b == "" {
		return Result{Rationale: "empty name"}
	}
	if a == b {
		return Result{Matched: true, Confidence: 100, Rationale: "exact name match"}
	}

	ca, cb := parseComponents(a), parseComponents(b)

	if ca.First == cb.First && ca.Last == cb.Last {
		if ca.Middle == cb.Middle || isInitialOf(ca.Middle, cb.Middle) || isInitialOf(cb.Middle, ca.Middle) || ca.Middle == "" || cb.Middle == "" {
			conf := 95
			if ca.Middle != cb.Middle {
				conf = 90
			}
			return Result{Matched: true, Confidence: conf, Rationale: "component name match"}
		}
	}

	if isAbbreviationOf(a, b) || isAbbreviationOf(b, a) {
		return Result{Matched: true, Confidence: 90, Rationale: "abbreviation match"}
	}

	if ca.First == cb.Last && ca.Last == cb.First {
		return Result{Matched: true, Confidence: 90, Rationale: "reversed order match"}
	}
	if levenshtein(ca.First, cb.Last) <= 2 && levenshtein(ca.Last, cb.First) <= 2 {
		return Result{Matched: true, Confidence: 85, Rationale: "reversed order match with spelling variation"}
	}

	if ca.First != "" && cb.First != "" && ca.Last != "" && cb.Last != "" &&
		levenshtein(ca.First, cb.First) <= 2 && levenshtein(ca.Last, cb.Last) <= 2 {
		return Result{Matched: true, Confidence: 85, Rationale: "spelling variation match"}
	}

	return Result{Rationale: "full name mismatch"}
}

// matchLastNameOnly compares the raw candidate string (expected to be
// just a surname, e.g. from a married-name reference) against the
// holder's last-name component.
func matchLastNameOnly(candidate, fullName string) Result {
	a := normalize(candidate)
	cb := parseComponents(normalize(fullName))
	if a == "" || cb.Last == "" {
		return Result{Rationale: "no last name to compare"}
	}
	if a == cb.Last {
		return Result{Matched: true, Confidence: 90, Rationale: "last name exact match"}
	}
	if levenshtein(a, cb.Last) <= 2 {
		return Result{Matched: true, Confidence: 85, Rationale: "last name spelling variation"}
	}
	return Result{Rationale: "last name mismatch"}
}

// matchFirstNameOnly compares the raw candidate string against the
// holder's first-name component.
func matchFirstNameOnly(candidate, fullName string) Result {
	a := normalize(candidate)
	cb := parseComponents(normalize(fullName))
	if a == "" || cb.First == "" {
		return Result{Rationale: "no first name to compare"}
	}
	if a == cb.First || isInitialOf(a, cb.First) || isInitialOf(cb.First, a) {
		return Result{Matched: true, Confidence: 85, Rationale: "first name exact or initial match"}
	}
	return Result{Rationale: "first name mismatch"}
}

// isInitialOf reports whether short is a single-letter initial of long.
func isInitialOf(short, long string) bool {
	if short == "" || long == "" {
		return false
	}
	runes := []rune(short)
	return len(runes) == 1 && rune(long[0]) == runes[0]
}

// isAbbreviationOf reports whether every space-separated token in abbr
// is a strict initial of the corresponding token in full, in order
// (e.g. "R A GOOBA" vs "RAHMAH ABDUL GOOBA").
func isAbbreviationOf(abbr, full string) bool {
	at := strings.Fields(abbr)
	ft := strings.Fields(full)
	if len(at) != len(ft) || len(at) == 0 {
		return false
	}
	sawInitial := false
	for i := range at {
		if at[i] == ft[i] {
			continue
		}
		if len(at[i]) == 1 && rune(ft[i][0]) == rune(at[i][0]) {
			sawInitial = true
			continue
		}
		return false
	}
	return sawInitial
}

// levenshtein computes edit distance between two strings.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
