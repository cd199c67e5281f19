// Package query analyzes natural-language search queries: a cheap
// pattern pass over Korean and English lexicons, escalating to an LLM
// pass only when the patterns are not confident.
package query

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/wedosoft/supportrag/pkg/models"
)

// patternResult is the outcome of the lexicon pass.
type patternResult struct {
	conditions models.Conditions
	searchText string
	similarity bool
	functional bool
	conjoined  bool
	confidence float64
}

// Relative time expressions. Captured digits are day multipliers.
var timePatterns = []struct {
	re   *regexp.Regexp
	days int // 0 means read the captured number
	unit int // multiplier for captured numbers
}{
	{re: regexp.MustCompile(`(?i)\b(yesterday)\b`), days: 1},
	{re: regexp.MustCompile(`(?i)\b(last|past)\s+week\b`), days: 7},
	{re: regexp.MustCompile(`(?i)\b(last|past)\s+month\b`), days: 30},
	{re: regexp.MustCompile(`(?i)\b(last|past)\s+year\b`), days: 365},
	{re: regexp.MustCompile(`(?i)\b(\d+)\s*days?\s+ago\b`), unit: 1},
	{re: regexp.MustCompile(`(?i)\b(\d+)\s*weeks?\s+ago\b`), unit: 7},
	{re: regexp.MustCompile(`(?i)\b(\d+)\s*months?\s+ago\b`), unit: 30},
	{re: regexp.MustCompile(`어제`), days: 1},
	{re: regexp.MustCompile(`지난\s*주|지난주`), days: 7},
	{re: regexp.MustCompile(`지난\s*달|지난달|한\s*달\s*전|한달\s*전`), days: 30},
	{re: regexp.MustCompile(`작년|지난\s*해`), days: 365},
	{re: regexp.MustCompile(`(\d+)\s*일\s*전`), unit: 1},
	{re: regexp.MustCompile(`(\d+)\s*주\s*전`), unit: 7},
	{re: regexp.MustCompile(`(\d+)\s*달\s*전|(\d+)\s*개월\s*전`), unit: 30},
	{re: regexp.MustCompile(`최근`), days: 7},
}

var priorityPatterns = []struct {
	re       *regexp.Regexp
	min, max int
}{
	{re: regexp.MustCompile(`(?i)\burgent\b|긴급`), min: models.PriorityMax, max: models.PriorityMax},
	{re: regexp.MustCompile(`(?i)\bhigh\s+priority\b|우선\s*순위\s*높은|높은\s*우선\s*순위`), min: 3, max: models.PriorityMax},
	{re: regexp.MustCompile(`(?i)\blow\s+priority\b|우선\s*순위\s*낮은`), min: models.PriorityMin, max: 2},
}

var statusPatterns = []struct {
	re     *regexp.Regexp
	status models.Status
}{
	{re: regexp.MustCompile(`(?i)\bresolved\b|해결된|해결\s*된`), status: models.StatusResolved},
	{re: regexp.MustCompile(`(?i)\bclosed\b|종료된|닫힌`), status: models.StatusClosed},
	{re: regexp.MustCompile(`(?i)\bopen\b|열린|미해결`), status: models.StatusOpen},
	{re: regexp.MustCompile(`(?i)\bpending\b|대기\s*중|보류`), status: models.StatusPending},
}

// Category vocabulary. Kept to unambiguous categorical terms so content
// words like "login" or "error" are not consumed as conditions.
var categoryPatterns = []struct {
	re       *regexp.Regexp
	category string
}{
	{re: regexp.MustCompile(`(?i)\bbilling\b|\bpayments?\b|\brefunds?\b|\binvoices?\b|결제|환불|청구|요금`), category: "billing"},
	{re: regexp.MustCompile(`(?i)\btechnical\s+(?:issue|problem)s?\b|기술\s*지원|기술\s*문제`), category: "technical"},
	{re: regexp.MustCompile(`(?i)\baccounts?\b|계정`), category: "account"},
	{re: regexp.MustCompile(`(?i)\bshipping\b|\bdelivery\b|배송`), category: "shipping"},
}

var (
	similarityPattern = regexp.MustCompile(`(?i)\bsimilar\b|\blike\s+this\b|유사한?|비슷한`)
	myPattern         = regexp.MustCompile(`(?i)\bmy\s+tickets?\b|\bassigned\s+to\s+me\b|내\s*티켓|나에게\s*할당`)
	conjunctionPat    = regexp.MustCompile(`(?i)\band\b|그리고|이면서|\bwith\b.*\band\b`)
)

// runPatterns extracts structured conditions and strips the matched
// phrases from the query so search_text carries only content terms.
func runPatterns(q string) patternResult {
	res := patternResult{searchText: q, confidence: 0.5}
	matched := 0

	for _, p := range timePatterns {
		m := p.re.FindStringSubmatch(res.searchText)
		if m == nil {
			continue
		}
		days := p.days
		if days == 0 {
			for _, g := range m[1:] {
				if n, err := strconv.Atoi(g); err == nil {
					days = n * p.unit
					break
				}
			}
		}
		if days > 0 {
			res.conditions.Time = &models.TimeCondition{RelativeDays: days}
			res.searchText = p.re.ReplaceAllString(res.searchText, " ")
			matched++
		}
		break
	}

	for _, p := range priorityPatterns {
		if p.re.MatchString(res.searchText) {
			res.conditions.Priority = &models.PriorityRange{Min: p.min, Max: p.max}
			res.searchText = p.re.ReplaceAllString(res.searchText, " ")
			matched++
			break
		}
	}

	for _, p := range statusPatterns {
		if p.re.MatchString(res.searchText) {
			res.conditions.Status = append(res.conditions.Status, p.status)
			res.searchText = p.re.ReplaceAllString(res.searchText, " ")
			matched++
		}
	}

	for _, p := range categoryPatterns {
		if p.re.MatchString(res.searchText) {
			res.conditions.Category = append(res.conditions.Category, p.category)
			res.searchText = p.re.ReplaceAllString(res.searchText, " ")
			matched++
		}
	}

	if myPattern.MatchString(res.searchText) {
		res.conditions.Person = &models.PersonCondition{Role: "assignee", Identifier: "me"}
		res.searchText = myPattern.ReplaceAllString(res.searchText, " ")
		res.functional = true
		matched++
	}

	if similarityPattern.MatchString(res.searchText) {
		res.similarity = true
		res.searchText = similarityPattern.ReplaceAllString(res.searchText, " ")
	}

	res.conjoined = conjunctionPat.MatchString(q)
	res.searchText = strings.Join(strings.Fields(res.searchText), " ")

	// Confidence grows with each clean lexicon hit; a query full of
	// conjunctions the lexicon did not consume stays low so the LLM pass
	// takes over.
	res.confidence += 0.15 * float64(matched)
	if res.conjoined && matched < 2 {
		res.confidence -= 0.2
	}
	if res.confidence > 0.95 {
		res.confidence = 0.95
	}
	if res.confidence < 0.1 {
		res.confidence = 0.1
	}
	return res
}

// looksLexical reports whether the remaining search text reads like a
// bag of keywords rather than a sentence.
func looksLexical(text string) bool {
	words := strings.Fields(text)
	if len(words) == 0 || len(words) > 4 {
		return false
	}
	if strings.ContainsAny(text, "?？") {
		return false
	}
	return true
}
