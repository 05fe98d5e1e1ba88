// Package wordstats counts messages and words per tracked channel.
//
// The module owns the statistics Store. It loads the last snapshot when it is
// registered, replays each tracked channel's missed backlog once the first
// transport reports readiness, and only then applies live messages. Messages
// that arrive before the replay finished are held in arrival order and
// applied right after it. A background group dumps the Store on a fixed
// interval and keeps the lexicon fresh; one final dump runs on shutdown.
package wordstats
