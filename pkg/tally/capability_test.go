package tally

import "testing"

func TestInterestSetMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		interest InterestSet
		event    *Event
		want     bool
	}{
		{
			name:     "empty interest matches any event",
			interest: InterestSet{},
			event:    &Event{Kind: EventKindMessageCreated},
			want:     true,
		},
		{
			name:     "nil event never matches",
			interest: InterestSet{},
			event:    nil,
			want:     false,
		},
		{
			name:     "kind filter rejects other kinds",
			interest: InterestSet{Kinds: []EventKind{EventKindTransportReady}},
			event:    &Event{Kind: EventKindMessageCreated},
			want:     false,
		},
		{
			name: "source filter matches platform wildcard",
			interest: InterestSet{
				Sources: []EventSource{{Platform: PlatformTelegram}},
			},
			event: &Event{
				Kind:   EventKindMessageCreated,
				Source: EventSource{Platform: PlatformTelegram, ID: "tg-main"},
			},
			want: true,
		},
		{
			name: "source filter rejects mismatch",
			interest: InterestSet{
				Sources: []EventSource{{Platform: PlatformTelegram, ID: "tg-main"}},
			},
			event: &Event{
				Kind:   EventKindMessageCreated,
				Source: EventSource{Platform: PlatformTelegram, ID: "tg-alt"},
			},
			want: false,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := testCase.interest.Matches(testCase.event); got != testCase.want {
				t.Fatalf("Matches() = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestInterestSetAllows(t *testing.T) {
	t.Parallel()

	declared := InterestSet{Kinds: []EventKind{EventKindMessageCreated, EventKindTransportReady}}

	if !declared.Allows(InterestSet{Kinds: []EventKind{EventKindTransportReady}}) {
		t.Fatal("expected subset of declared kinds to be allowed")
	}
	if declared.Allows(InterestSet{}) {
		t.Fatal("expected unrestricted filter to exceed declared kinds")
	}
	if !(InterestSet{}).Allows(InterestSet{Kinds: []EventKind{EventKindMessageCreated}}) {
		t.Fatal("expected unrestricted capability to allow any filter")
	}
}
