/*
Package storage persists the state that must survive a daemon restart:
operator intents for each resource group (enabled, frozen, nodes the group
failed on, relocation target), the last committed membership generation,
and a bounded per-group transition history.

Runtime group state is deliberately not stored. After a restart every group
is rebuilt as Stopped and the reconciler compares that belief with the
process table before anything is scheduled.

Two backends implement Store:

	bolt    BoltStore, a single bbolt file <dataDir>/rgmanager.db (default)
	badger  BadgerStore, a BadgerDB directory; an empty dir runs in memory

Records are JSON encoded. Open selects the backend by name.
*/
package storage
