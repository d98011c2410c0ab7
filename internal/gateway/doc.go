// Package gateway carries replication sessions over WebSocket.
//
// Client implements replication.Remote; Server exposes a local store as a
// remote that any number of clients can sync with. Messages are JSON
// envelopes:
//
//	{"type": "hello",   "payload": {"client_id": "...", "since": "12"}}
//	{"type": "welcome", "payload": {"server_id": "...", "head": 40}}
//	{"type": "push",    "id": "3", "payload": {"changes": [...]}}
//	{"type": "ack",     "id": "3", "payload": {"rejected": [...]}}
//	{"type": "changes", "payload": {"changes": [...], "token": "41"}}
//	{"type": "error",   "id": "3", "payload": {"code": "...", "message": "..."}}
//
// Both sides send WebSocket pings; every read and write has a deadline, so a
// dead peer is detected within ReadTimeout.
package gateway
