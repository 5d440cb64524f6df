package domain

import "fmt"

// Key helpers for the managed stores. Keys encode ancestry
// (ep:{slug}:lang:{lang}) so prefix scans serve the episode+lang indexes
// and a replace can delete a whole set in one pass.

// EpisodeKey returns the store key for an episode.
func EpisodeKey(slug string) string {
	return slug
}

// TranscriptKey returns the store key for an episode's transcript in one
// language.
func TranscriptKey(slug, lang string) string {
	return fmt.Sprintf("ep:%s:lang:%s", slug, lang)
}

// QuestionPrefix returns the key prefix shared by all questions for an
// (episode, lang) pair.
func QuestionPrefix(slug, lang string) string {
	return fmt.Sprintf("ep:%s:lang:%s:", slug, lang)
}

// QuestionKey returns the store key for one question, ordered by its
// time offset then sequence within the set.
func QuestionKey(slug, lang string, timeOffset float64, seq int) string {
	return fmt.Sprintf("%st:%012.3f:%04d", QuestionPrefix(slug, lang), timeOffset, seq)
}
