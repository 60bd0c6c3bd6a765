// Package schema defines the replicated dispatch entities and the records
// exchanged between a client replica and the hub.
//
// # Overview
//
// Every domain record (User, Task, TaskAssignee, Location, Deliverable,
// Comment, RiderResponsibility) is an Entity: a stable key, a server-assigned
// updatedAt, and a flat field map. Relationships are weak references by id:
//
//	{
//	  "type": "TaskAssignee",
//	  "id": "4f0c...",
//	  "updatedAt": "2026-10-18T09:12:44.120Z",
//	  "fields": {
//	    "taskId": "a71e...",
//	    "assigneeId": "u-rider-1",
//	    "role": "RIDER",
//	    "createdAt": "2026-10-18T09:12:44.001Z"
//	  }
//	}
//
// Field values are kept in canonical JSON form (string, float64, bool, nil,
// []any, map[string]any) so a value set locally compares equal to the same
// value echoed back by the hub.
//
// # Flat fields
//
// Flat maps make last-writer-wins per field trivial: a delta is just a
// partial Fields map, and merging two deltas is a map overlay.
//
// # Files
//
// Entities can be stored as individual JSON files named {Type}.{id}.json.
// The file feed transport uses this layout to exchange changes through a
// shared directory.
package schema
