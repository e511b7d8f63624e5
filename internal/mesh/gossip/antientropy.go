package gossip

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// maxRepairBatch caps envelopes per anti-entropy response; anything left
// over heals on a later round.
const maxRepairBatch = 256

func (e *Engine) antiEntropyLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.AntiEntropyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdown:
			return
		case <-ticker.C:
			peers := e.sender.ConnectedPeers()
			if len(peers) == 0 {
				continue
			}
			e.SyncWith(peers[rand.Intn(len(peers))])
		}
	}
}

// SyncWith sends this node's digest to one peer, inviting a two-way
// repair. Also called directly when a handshake digest mismatches.
func (e *Engine) SyncWith(peer common.NodeID) {
	req := common.AntiEntropyReq{Digest: e.Digest()}
	frame, err := common.EncodeFrame(common.FrameAntiEntropyReq, &req)
	if err != nil {
		e.logger.Error("encode anti-entropy request", "error", err)
		return
	}
	e.send(peer, frame)
	e.count(func(m *Metrics) { m.AntiEntropyRounds++ })
	e.logger.Debug("anti-entropy digest sent",
		"peer", peer.Short(), "lineages", len(req.Digest.Entries))
}

// Digest summarizes the committed envelope set: highest version per
// lineage plus a rollup hash for cheap equality.
func (e *Engine) Digest() common.Digest {
	e.mu.Lock()
	entries := make(map[string]uint64, len(e.envelopes))
	for key, env := range e.envelopes {
		entries[key] = env.OriginVersion
	}
	e.mu.Unlock()
	return common.Digest{Entries: entries, Rollup: rollup(entries)}
}

// DigestRollup is the compact form carried in handshakes.
func (e *Engine) DigestRollup() []byte {
	return e.Digest().Rollup
}

func rollup(entries map[string]uint64) []byte {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%d\n", k, entries[k])
	}
	return h.Sum(nil)
}

// HandleAntiEntropyReq answers a peer's digest with the envelopes it is
// missing and the lineage keys this node wants back.
func (e *Engine) HandleAntiEntropyReq(from common.NodeID, req *common.AntiEntropyReq) {
	local := e.Digest()
	if bytes.Equal(local.Rollup, req.Digest.Rollup) {
		return
	}

	var resp common.AntiEntropyResp
	e.mu.Lock()
	for key, env := range e.envelopes {
		theirs, ok := req.Digest.Entries[key]
		if !ok || env.OriginVersion > theirs {
			resp.Missing = append(resp.Missing, *env)
			if len(resp.Missing) >= maxRepairBatch {
				break
			}
		}
	}
	for key, theirs := range req.Digest.Entries {
		mine, ok := e.envelopes[key]
		if !ok || mine.OriginVersion < theirs {
			resp.Want = append(resp.Want, key)
		}
	}
	e.mu.Unlock()

	if len(resp.Missing) == 0 && len(resp.Want) == 0 {
		return
	}
	frame, err := common.EncodeFrame(common.FrameAntiEntropyResp, &resp)
	if err != nil {
		e.logger.Error("encode anti-entropy response", "error", err)
		return
	}
	e.send(from, frame)
	e.logger.Debug("anti-entropy repair sent",
		"peer", from.Short(),
		"missing", len(resp.Missing),
		"want", len(resp.Want))
}

// HandleAntiEntropyResp ingests the repair envelopes and serves any
// lineages the peer asked for. The follow-up carries no Want list, so the
// exchange terminates after one round trip each way.
func (e *Engine) HandleAntiEntropyResp(from common.NodeID, resp *common.AntiEntropyResp) {
	for _, env := range resp.Missing {
		env := env
		e.Ingest(from, &env)
	}
	if len(resp.Want) == 0 {
		return
	}

	var reply common.AntiEntropyResp
	e.mu.Lock()
	for _, key := range resp.Want {
		if env, ok := e.envelopes[key]; ok {
			reply.Missing = append(reply.Missing, *env)
			if len(reply.Missing) >= maxRepairBatch {
				break
			}
		}
	}
	e.mu.Unlock()

	if len(reply.Missing) == 0 {
		return
	}
	frame, err := common.EncodeFrame(common.FrameAntiEntropyResp, &reply)
	if err != nil {
		return
	}
	e.send(from, frame)
}
