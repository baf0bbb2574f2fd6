// File: stats/stats.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Assembly of the four counter blocks (clients/dead/sends/delays) into
// a JSON snapshot, pulled from the registry and sender without either
// package knowing about JSON.

package stats

import (
	"encoding/json"
	"time"

	"github.com/momentics/poolconnector/registry"
	"github.com/momentics/poolconnector/sender"
)

// Block is one of the four count/memory/generated triples
// stats JSON repeats for clients, dead, sends, and delays.
type Block struct {
	Count     int64 `json:"count"`
	Memory    int64 `json:"memory"`
	Generated int64 `json:"generated"`
}

// Snapshot is the full stats payload. Runtime is omitted unless the
// caller is assembling a periodic passthrough log line.
type Snapshot struct {
	Runtime *int64 `json:"runtime,omitempty"`
	Clients Block  `json:"clients"`
	Dead    Block  `json:"dead"`
	Sends   Block  `json:"sends"`
	Delays  Block  `json:"delays"`
}

// Collect pulls a point-in-time snapshot from reg and snd. When
// includeRuntime is true, Runtime is set to the number of whole seconds
// since startedAt.
func Collect(reg *registry.Registry, snd *sender.Sender, startedAt time.Time, includeRuntime bool) Snapshot {
	clients, dead := reg.Snapshot()
	sendsCount, sendsSize, sendsGenerated := snd.Sends()
	delaysCount, delaysSize, delaysGenerated := snd.Delays()

	s := Snapshot{
		Clients: Block{
			Count:     clients.Count,
			Memory:    clients.Count * int64(registry.InBufCap),
			Generated: clients.Generated,
		},
		Dead: Block{
			Count:     dead.Count,
			Memory:    dead.Count * int64(registry.InBufCap),
			Generated: dead.Generated,
		},
		Sends: Block{
			Count:     sendsCount,
			Memory:    sendsSize,
			Generated: sendsGenerated,
		},
		Delays: Block{
			Count:     delaysCount,
			Memory:    delaysSize,
			Generated: delaysGenerated,
		},
	}
	if includeRuntime {
		r := int64(time.Since(startedAt).Seconds())
		s.Runtime = &r
	}
	return s
}

// JSON serializes the snapshot to a single line.
func (s Snapshot) JSON() ([]byte, error) {
	return json.Marshal(s)
}
