// Package schema defines the records, sync queue entries and cache metadata
// shared by the offline-first data layer.
//
// # Records
//
// A Record is one business entity (item, party, invoice, ...) plus the sync
// metadata that tracks whether the remote store has confirmed it. Records
// serialize as flat JSON documents so the legacy mirror files keep the shape
// of the old flat lists:
//
//	{
//	  "id": "expense_1767225600000_3f2a9c1b",
//	  "category": "rent",
//	  "amount": 25000,
//	  "_origin": "local",
//	  "_state": "local",
//	  "_pendingSync": true,
//	  "_savedAt": "2026-01-01T00:00:00Z",
//	  "_syncedAt": null
//	}
//
// # Origin and state
//
// Whether an ID was minted on this device or assigned by the remote store is
// carried by the Origin field, never inferred from the ID text. The State
// field drives the per-record state machine:
//
//	StateLocal ──drain picks create──▶ StateSyncingCreate ──confirmed──▶ StateRemote
//	     ▲                                      │
//	     └──────────── remote create failed ────┘
//
// A confirmed create rewrites the record under its remote ID exactly once
// (the "ID remap").
//
// # Queue entries
//
// A QueueEntry is one pending mutation in the outbox. Entries are replayed in
// FIFO order (Timestamp, then Seq) and are never collapsed.
package schema
