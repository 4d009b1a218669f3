// Package lstore implements store.IStore on a single db.KVDB.
//
// Entries are stored JSON encoded under "entry/<normalized dn>", the change
// index under "usn/<zero padded usn>". Local writes stamp fresh attribute
// metadata (version incremented per attribute), replicated writes store the
// image computed by the caller.
//
// Every write of the store goes through one exclusive database transaction:
//
//  1. the mutation is computed on the state seen by the transaction
//  2. image and change index are staged
//  3. the attached store.LogWriter stages the raft log entry and returns the commit hooks
//  4. a pending event is queued in the event repository
//  5. the transaction commits, the event is marked ready (or discarded)
//
// Usage Example:
//
//	repo := event.NewRepo(entry.Codec{}, nil)
//	s := lstore.NewLocalStore(func() db.KVDB { return maple.NewMapleDB(nil) }, &lstore.Options{Events: repo})
//
//	usn, err := s.Add(e)
//
// Quiesce blocks all replicated and local directory writes, it is used by the
// restore flow. Node local entries (PutLocal) bypass it.
package lstore
