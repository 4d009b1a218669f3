// Package entry holds the directory object model shared by the store, the
// event ledger and replication: Entry, Attribute and the per attribute
// replication AttributeMetadata, plus the JSON entry codec and a small
// search filter matcher used by watch sessions.
package entry
