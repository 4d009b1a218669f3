// Package event implements the watch/notify ledger of a node.
//
// Writes register an Event in the pending queue of a Repo while their
// transaction is in flight. Once the transaction ends the event is either
// promoted to the ready list (Sync) or dropped. Watch sessions walk the ready
// list with a reference counted cursor, an event is pruned only after every
// session moved past it.
//
// Example usage:
//
//	repo := event.NewRepo(entry.Codec{}, &event.RepoOptions{Retain: 128})
//	go repo.Run(ctx)
//
//	s, err := event.NewWatchSession(repo, event.WatchOptions{Filter: "(objectClass=person)"}, nil)
//	...
//	n, err := s.SendEvents(sender, 16)
package event
