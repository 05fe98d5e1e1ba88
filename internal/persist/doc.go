// Package persist stores stats.Store snapshots durably.
//
// Two backends share one record codec. FileManager writes a JSON document
// through a temp file that is renamed over the previous snapshot, so a crash
// mid-write leaves the last good snapshot in place. BadgerManager keeps one
// record per channel and replaces the whole keyspace in a single transaction.
//
// Load never repairs data: any record outside the data model fails with
// ErrSnapshotCorrupt. Dump failures wrap ErrSnapshotWrite and leave the
// in-memory Store untouched.
package persist
