// Package stats holds per-channel message statistics and the lifecycle that
// decides when live traffic may be applied to them.
//
// A Store owns every ChannelTracker behind one sync.RWMutex. Every public
// method takes the lock for in-memory work only and returns detached copies,
// so callers perform network and disk I/O without holding it.
//
// Trackers exist only for channels added through Store.Track. A message is
// counted once: ChannelTracker.Update ignores ids at or below the tracker's
// high-water mark, which makes replayed and live deliveries safe to overlap
// as long as each path delivers ids in increasing order.
package stats
