package tally

// Capability describes what a module can process and what resources it requires.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
}

// InterestSet describes event selection criteria for capability negotiation.
type InterestSet struct {
	// Kinds restricts delivery to the listed event kinds.
	Kinds []EventKind
	// Sources restricts delivery to events from the listed driver instances.
	// A source with empty ID matches any instance of its platform.
	Sources []EventSource
}

// Matches reports whether an event satisfies the declared interest set.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if len(i.Kinds) > 0 && !containsKind(i.Kinds, event.Kind) {
		return false
	}
	if len(i.Sources) > 0 && !matchesAnySource(i.Sources, event.Source) {
		return false
	}

	return true
}

// Allows reports whether this interest set can safely satisfy another filter.
func (i InterestSet) Allows(filter InterestSet) bool {
	if len(i.Kinds) > 0 {
		if len(filter.Kinds) == 0 {
			return false
		}
		for _, kind := range filter.Kinds {
			if !containsKind(i.Kinds, kind) {
				return false
			}
		}
	}

	return true
}

// containsKind reports whether target is present in kinds.
func containsKind(kinds []EventKind, target EventKind) bool {
	for _, candidate := range kinds {
		if candidate == target {
			return true
		}
	}

	return false
}

func matchesAnySource(sources []EventSource, target EventSource) bool {
	for _, source := range sources {
		if source.Platform != "" && source.Platform != target.Platform {
			continue
		}
		if source.ID != "" && source.ID != target.ID {
			continue
		}
		return true
	}

	return false
}
