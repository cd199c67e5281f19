package integrate

import (
	"unicode"

	"github.com/wedosoft/supportrag/pkg/models"
)

// DetectLanguage classifies content by Unicode block ratios over the
// letter runes of the text:
//
//	Hangul ≥ 10%                  → ko
//	Kana   ≥ 10%                  → ja
//	CJK    ≥ 10% (no Hangul/Kana) → zh
//	Latin  ≥ 50%                  → en
//	otherwise                     → ko (conservative default)
//
// Mixed Korean/English support threads lean Korean, which is why the
// default is ko rather than other.
func DetectLanguage(text string) string {
	var hangul, kana, cjk, latin, total int

	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		total++
		switch {
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			kana++
		case unicode.Is(unicode.Han, r):
			cjk++
		case r < 0x250 && unicode.Is(unicode.Latin, r):
			latin++
		}
	}

	if total == 0 {
		return models.LangOther
	}

	ratio := func(n int) float64 { return float64(n) / float64(total) }

	switch {
	case ratio(hangul) >= 0.10:
		return models.LangKorean
	case ratio(kana) >= 0.10:
		return models.LangJapanese
	case ratio(cjk) >= 0.10 && hangul == 0 && kana == 0:
		return models.LangChinese
	case ratio(latin) >= 0.50:
		return models.LangEnglish
	}
	return models.LangKorean
}
