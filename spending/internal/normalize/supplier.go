package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var legalSuffixes = map[string]bool{
	"ltd": true, "limited": true, "plc": true, "llp": true, "llc": true,
	"inc": true, "co": true, "company": true,
}

var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SupplierKey folds a supplier name for matching: accents and case removed,
// "&" spelled "and", punctuation to spaces, a leading "the" and trailing
// legal-form tokens dropped. "The Acme Co. Ltd" and "ACME" share a key.
func SupplierKey(name string) string {
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)
	folded = strings.NewReplacer("&", " and ", "'", "", "’", "").Replace(folded)

	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	tokens := strings.Fields(b.String())
	full := strings.Join(tokens, " ")

	if len(tokens) > 1 && tokens[0] == "the" {
		tokens = tokens[1:]
	}
	for len(tokens) > 1 && legalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return full
	}
	return strings.Join(tokens, " ")
}

// DisplayName tidies a raw supplier name for storage as a canonical name.
func DisplayName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// Similarity is 1 - levenshtein(a,b)/max(len(a),len(b)) over runes.
func Similarity(a, b string) float64 {
	n := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if n == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(n)
}

// Matcher returns a fuzzy supplier matcher for the store. A candidate must
// reach threshold and be the unique best; ties create a new supplier. A
// threshold of 1 or more disables fuzzy merging.
func Matcher(threshold float64) func(key string, candidates []string) (string, bool) {
	return func(key string, candidates []string) (string, bool) {
		if threshold >= 1 {
			return "", false
		}
		best, bestSim, tied := "", -1.0, false
		for _, c := range candidates {
			sim := Similarity(key, c)
			switch {
			case sim > bestSim:
				best, bestSim, tied = c, sim, false
			case sim == bestSim:
				tied = true
			}
		}
		if best == "" || tied || bestSim < threshold {
			return "", false
		}
		return best, true
	}
}
