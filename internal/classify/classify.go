// Package classify decides whether a message can skip retrieval entirely.
//
// When unsure the classifier answers non-trivial.
package classify

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Result is the outcome of classifying one message.
type Result struct {
	IsTrivial  bool
	Confidence float64
	Rule       string
}

type rule struct {
	name       string
	match      func(core string) bool
	trivial    bool
	confidence float64
}

// maxTrivialBytes bounds how long a trivial message can be.
const maxTrivialBytes = 48

var greetings = []string{
	"hi", "hello", "hey", "hiya", "howdy", "yo", "sup", "heya",
	"hi there", "hello there", "hey there",
	"good morning", "good afternoon", "good evening", "morning",
}

var farewells = []string{
	"bye", "goodbye", "bye bye", "see you", "see ya", "cya", "later",
	"good night", "goodnight", "talk later", "talk soon", "see you later",
}

// Bare yes/no answers are not acknowledgements: they may confirm something
// the assistant asked to remember.
var acknowledgements = []string{
	"thanks", "thank you", "thx", "ty", "thanks a lot", "thank you so much",
	"many thanks", "cheers", "ok", "okay", "k", "kk", "cool", "great", "nice",
	"got it", "sounds good", "awesome", "perfect", "alright", "all good", "noted", "lol", "haha",
}

var conjunctions = []string{"and", "but", "so", "because", "also", "then", "or"}

// rules are evaluated in order against the trimmed message; first match wins.
var rules = []rule{
	{name: "empty", match: isEmpty, trivial: true, confidence: 1.0},
	{name: "question", match: hasQuestionMark, trivial: false, confidence: 0.95},
	{name: "long", match: isLong, trivial: false, confidence: 0.9},
	{name: "multi-clause", match: hasMultipleClauses, trivial: false, confidence: 0.85},
	{name: "punctuation-only", match: isPunctuationOnly, trivial: true, confidence: 0.9},
	{name: "greeting", match: phraseRule(greetings), trivial: true, confidence: 0.95},
	{name: "farewell", match: phraseRule(farewells), trivial: true, confidence: 0.95},
	{name: "acknowledgement", match: phraseRule(acknowledgements), trivial: true, confidence: 0.9},
}

// Classify reports whether message is trivial. It never allocates.
func Classify(message string) Result {
	core := strings.TrimSpace(message)
	for i := range rules {
		r := &rules[i]
		if r.match(core) {
			return Result{IsTrivial: r.trivial, Confidence: r.confidence, Rule: r.name}
		}
	}
	return Result{IsTrivial: false, Confidence: 0.6, Rule: "default"}
}

// IsTrivial is shorthand for Classify(message).IsTrivial.
func IsTrivial(message string) bool {
	return Classify(message).IsTrivial
}

func isEmpty(s string) bool {
	return s == ""
}

func hasQuestionMark(s string) bool {
	return strings.ContainsRune(s, '?') || strings.ContainsRune(s, '？')
}

func isLong(s string) bool {
	return len(s) > maxTrivialBytes
}

// hasMultipleClauses looks for clause separators inside the message body
// (trailing punctuation does not count) or a joining conjunction.
func hasMultipleClauses(s string) bool {
	body := trimTrailingPunct(s)
	if strings.ContainsAny(body, ",;:\n.!") {
		return true
	}
	for i := 0; i < len(body); {
		for i < len(body) && isBlank(body[i]) {
			i++
		}
		start := i
		for i < len(body) && !isBlank(body[i]) {
			i++
		}
		if start == i || start == 0 {
			continue
		}
		word := body[start:i]
		for _, c := range conjunctions {
			if strings.EqualFold(word, c) {
				return true
			}
		}
	}
	return false
}

func isBlank(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r'
}

func isPunctuationOnly(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		return false
	}
	return true
}

func phraseRule(phrases []string) func(string) bool {
	return func(s string) bool {
		body := trimTrailingPunct(s)
		for _, p := range phrases {
			if equalFoldCollapsed(body, p) {
				return true
			}
		}
		return false
	}
}

func trimTrailingPunct(s string) string {
	return strings.TrimRight(s, "!.~ \t")
}

// equalFoldCollapsed compares s to phrase case-insensitively, treating any run
// of whitespace in s as a single space. phrase must be lower-case with single
// spaces.
func equalFoldCollapsed(s, phrase string) bool {
	i, j := 0, 0
	for i < len(s) {
		r, n := utf8.DecodeRuneInString(s[i:])
		if unicode.IsSpace(r) {
			for i < len(s) {
				r, n = utf8.DecodeRuneInString(s[i:])
				if !unicode.IsSpace(r) {
					break
				}
				i += n
			}
			if j >= len(phrase) || phrase[j] != ' ' {
				return false
			}
			j++
			continue
		}
		if j >= len(phrase) {
			return false
		}
		p, pn := utf8.DecodeRuneInString(phrase[j:])
		if unicode.ToLower(r) != p {
			return false
		}
		i += n
		j += pn
	}
	return j == len(phrase)
}
