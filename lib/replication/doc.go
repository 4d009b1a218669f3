// Package replication implements multi-master replication between nodes.
//
// Every attribute of an entry carries AttributeMetadata. A replicated Update
// holds the full supplier image of an entry plus its metadata, the consumer
// resolves it attribute by attribute (ResolveConflicts) and stamps the
// resulting image with its own local usn (SetAttrNewMetaData). Because the
// comparison ignores the local usn, every node picks the same winner for the
// same pair of writes.
//
// A Driver pulls updates from its partners periodically and tracks one
// high-watermark per partner:
//
//	d := replication.NewDriver(s, partners, replication.DriverOptions{
//		InvocationID: s.InvocationID,
//		Active:       runtime.IsLeader,
//	})
//	d.Start(ctx)
//	defer d.Stop()
package replication
