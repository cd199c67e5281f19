package embed

import (
	"hash/fnv"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/wedosoft/supportrag/pkg/models"
)

// SparseEncoder produces BM25-style sparse vectors: term frequencies with
// sublinear scaling over a hashed term vocabulary. Latin text tokenizes on
// word boundaries; CJK text additionally emits character bigrams, which is
// the standard trick for segmentation-free Korean/Japanese/Chinese
// keyword matching.
type SparseEncoder struct {
	stopwords map[string]map[string]bool // language → set
}

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Stopword lists are intentionally small: only the highest-frequency
// function words that would otherwise dominate every sparse vector.
var defaultStopwords = map[string][]string{
	models.LangEnglish: {
		"the", "a", "an", "and", "or", "but", "is", "are", "was", "were",
		"be", "been", "to", "of", "in", "on", "at", "for", "with", "it",
		"this", "that", "i", "you", "we", "they", "my", "your", "our",
		"have", "has", "had", "do", "does", "did", "will", "would", "can",
		"could", "not", "no", "please", "thanks", "thank", "hi", "hello",
	},
	models.LangKorean: {
		"이", "그", "저", "것", "수", "등", "및", "에", "의", "를", "을",
		"은", "는", "가", "와", "과", "도", "로", "으로", "에서", "까지",
		"부터", "입니다", "합니다", "있습니다", "감사합니다", "안녕하세요",
	},
}

// NewSparseEncoder builds an encoder with the default stopword lists.
func NewSparseEncoder() *SparseEncoder {
	e := &SparseEncoder{stopwords: make(map[string]map[string]bool)}
	for lang, words := range defaultStopwords {
		set := make(map[string]bool, len(words))
		for _, w := range words {
			set[w] = true
		}
		e.stopwords[lang] = set
	}
	return e
}

// Encode tokenizes text and emits a sparse vector, or nil when no usable
// terms remain. Weights are 1+log(tf), L2-normalized.
func (e *SparseEncoder) Encode(text, language string) *models.SparseVector {
	terms := e.tokenize(text, language)
	if len(terms) == 0 {
		return nil
	}

	tf := make(map[uint32]float64, len(terms))
	for _, t := range terms {
		tf[termID(t)]++
	}

	indices := make([]uint32, 0, len(tf))
	for id := range tf {
		indices = append(indices, id)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, len(indices))
	var norm float64
	for i, id := range indices {
		w := 1 + math.Log(tf[id])
		values[i] = float32(w)
		norm += w * w
	}
	norm = math.Sqrt(norm)
	for i := range values {
		values[i] = float32(float64(values[i]) / norm)
	}

	return &models.SparseVector{Indices: indices, Values: values}
}

func (e *SparseEncoder) tokenize(text, language string) []string {
	stop := e.stopwords[language]
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)

	var terms []string
	for _, tok := range raw {
		if len(tok) < 2 && !hasCJK(tok) {
			continue
		}
		if stop != nil && stop[tok] {
			continue
		}
		if hasCJK(tok) {
			terms = append(terms, cjkBigrams(tok)...)
			continue
		}
		terms = append(terms, tok)
	}
	return terms
}

func hasCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hangul, r) ||
			unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) {
			return true
		}
	}
	return false
}

// cjkBigrams emits overlapping character bigrams; a single CJK rune is
// kept as-is.
func cjkBigrams(s string) []string {
	runes := []rune(s)
	if len(runes) == 1 {
		return []string{s}
	}
	grams := make([]string, 0, len(runes)-1)
	for i := 0; i+1 < len(runes); i++ {
		grams = append(grams, string(runes[i:i+2]))
	}
	return grams
}

// termID hashes a term into the sparse vocabulary space.
func termID(term string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(term))
	return h.Sum32()
}
