package quality

import (
	"strings"
	"unicode"
)

// FleschKincaidGrade estimates the US grade level of text. Empty text
// scores 0.
func FleschKincaidGrade(text string) float64 {
	words := 0
	syllables := 0
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}) {
		words++
		syllables += countSyllables(w)
	}
	if words == 0 {
		return 0
	}
	sentences := countSentences(text)
	grade := 0.39*float64(words)/float64(sentences) + 11.8*float64(syllables)/float64(words) - 15.59
	if grade < 0 {
		return 0
	}
	return grade
}

func countSentences(text string) int {
	n := 0
	prevEnd := false
	for _, r := range text {
		end := r == '.' || r == '!' || r == '?'
		if end && !prevEnd {
			n++
		}
		prevEnd = end
	}
	if n == 0 {
		return 1
	}
	return n
}

// countSyllables counts vowel groups, dropping a silent trailing e.
func countSyllables(word string) int {
	w := strings.ToLower(word)
	count := 0
	prevVowel := false
	for _, r := range w {
		v := strings.ContainsRune("aeiouy", r)
		if v && !prevVowel {
			count++
		}
		prevVowel = v
	}
	if strings.HasSuffix(w, "e") && !strings.HasSuffix(w, "le") && count > 1 {
		count--
	}
	if count == 0 {
		return 1
	}
	return count
}
