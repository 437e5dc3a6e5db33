package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/centralmcp/gateway-go/pkg/perf"
)

// Scoring weights. A capability match dominates; history refines.
const (
	capabilityBonus = 10.0
	latencyWeight   = 5.0
	successWeight   = 5.0
	stabilityBonus  = 2.0
	// neutralBonus stands in for each history term when a server has no
	// recorded calls yet, so unknown servers are neither favored nor buried.
	neutralBonus = 2.5
	// latencyNorm is the average latency at which the latency bonus reaches
	// zero. The bonus is clamped at zero so slow servers cannot go negative
	// and swamp a capability match.
	latencyNorm = 10 * time.Second
)

// findBestServerForTool scores every registered server and returns the
// winner. Only servers with a cached capability match or recorded history are
// eligible; ties resolve to the earliest registration.
func (d *Dispatcher) findBestServerForTool(tool string) (serverID, baseURL string, err error) {
	// Scoring reads only cached capabilities; it never blocks on the network.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d.mu.RLock()
	order := append([]string(nil), d.order...)
	servers := make(map[string]*ServerInfo, len(d.servers))
	records := make(map[string]perf.Record, len(d.records))
	for id, info := range d.servers {
		servers[id] = info
	}
	for id, rec := range d.records {
		records[id] = *rec
	}
	d.mu.RUnlock()

	best := -1.0
	for _, id := range order {
		caps := d.cachedCapabilities(ctx, id)
		score, eligible := scoreServer(caps, records[id], tool)
		if !eligible {
			continue
		}
		// Strictly greater keeps the first-registered server on ties.
		if score > best {
			best = score
			serverID = id
			baseURL = servers[id].BaseURL
		}
	}
	if serverID == "" {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, tool)
	}
	return serverID, baseURL, nil
}

// scoreServer computes one server's score for a tool. A server with neither
// a capability match nor call history is below the floor and ineligible.
func scoreServer(caps *Capabilities, rec perf.Record, tool string) (float64, bool) {
	capMatch := caps.HasTool(tool)
	hasHistory := rec.Count > 0
	if !capMatch && !hasHistory {
		return 0, false
	}

	score := 0.0
	if capMatch {
		score += capabilityBonus
	}
	if hasHistory {
		avgMs := float64(rec.AvgLatency()) / float64(time.Millisecond)
		latencyBonus := latencyWeight * (1 - avgMs/(float64(latencyNorm)/float64(time.Millisecond)))
		if latencyBonus < 0 {
			latencyBonus = 0
		}
		if latencyBonus > latencyWeight {
			latencyBonus = latencyWeight
		}
		score += latencyBonus
		score += successWeight * rec.SuccessRate()
	} else {
		score += 2 * neutralBonus
	}
	if rec.Errors < rec.Successes {
		score += stabilityBonus
	}
	return score, true
}
