package providers

import "github.com/dukex/courier/pkg/models"

// Matcher classifies a raw provider message. Matchers are evaluated in order.
type Matcher[T any] struct {
	Type  models.EventType
	Match func(T) bool
}

// Resolve returns the type of the first matcher whose predicate holds, or
// EventTypeUnknown when none does.
func Resolve[T any](matchers []Matcher[T], raw T) models.EventType {
	for _, matcher := range matchers {
		if matcher.Match(raw) {
			return matcher.Type
		}
	}

	return models.EventTypeUnknown
}
