package supervisor

import (
	"context"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/transport"
)

// missedBeforeUnhealthy is how many heartbeat intervals may pass without
// hearing from the peer before the transport is written off.
const missedBeforeUnhealthy = 3

// hbSentWindow bounds the per-transport map of in-flight heartbeat send
// times used for RTT measurement.
const hbSentWindow = 16

// heartbeatLoop keeps one (peer, transport) pair alive. Every transport
// runs its own loop at its own cadence; losing the last one demotes the
// peer to Suspect in markUnhealthy.
func (s *Supervisor) heartbeatLoop(p *peerState, kind common.TransportKind, conn transport.Conn, pump chan struct{}) {
	defer s.wg.Done()
	interval := s.cfg.HeartbeatIntervals[kind]
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := missedBeforeUnhealthy * interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-p.stop:
			return
		case <-pump:
			return
		case <-ticker.C:
		}

		if !conn.IsOpen() {
			s.markUnhealthy(p, kind)
			return
		}
		now := s.now()

		p.mu.Lock()
		ts := p.transportLocked(kind)
		silent := now.Sub(ts.hbLastRecv)
		if silent > timeout {
			ts.hbMissed++
		} else {
			ts.hbMissed = 0
		}
		missed := ts.hbMissed
		ts.hbSeq++
		seq := ts.hbSeq
		ts.hbSentAt[seq] = now
		if len(ts.hbSentAt) > hbSentWindow {
			oldest := seq
			for k := range ts.hbSentAt {
				if k < oldest {
					oldest = k
				}
			}
			delete(ts.hbSentAt, oldest)
		}
		ackSeq := ts.hbRecvSeq
		p.mu.Unlock()

		if missed >= 1 {
			s.logger.Warn("heartbeat timeout",
				"peer", p.id.Short(),
				"transport", kind.String(),
				"silent", silent.Round(time.Second).String())
			s.markUnhealthy(p, kind)
			return
		}

		if err := s.sendHeartbeat(p, conn, kind, seq, ackSeq); err != nil {
			s.logger.Debug("heartbeat send failed",
				"peer", p.id.Short(), "transport", kind.String(), "error", err)
			s.markUnhealthy(p, kind)
			return
		}
	}
}

func (s *Supervisor) sendHeartbeat(p *peerState, conn transport.Conn, kind common.TransportKind, seq, ackSeq uint64) error {
	cost := 1.0
	if fn := s.costFn.Load(); fn != nil {
		cost = (*fn)()
	}
	hb := common.Heartbeat{
		NodeID:    s.id.NodeID(),
		Transport: kind,
		Sequence:  seq,
		AckSeq:    ackSeq,
		CostMult:  cost,
		PeerCount: len(s.ConnectedPeers()),
		SentAt:    s.now().UnixMilli(),
	}
	body, err := hb.SigningBytes()
	if err != nil {
		return err
	}
	hb.Signature = s.id.Sign(body)
	frame, err := common.EncodeFrame(common.FrameHeartbeat, &hb)
	if err != nil {
		return err
	}
	// Heartbeats bypass the per-peer queue: they belong to this transport
	// specifically, and a full queue must not silence the liveness signal
	// it is supposed to explain.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return conn.Send(ctx, frame)
}

// handleHeartbeat processes one inbound heartbeat: verify, refresh the
// transport's liveness, and fold the echoed sequence into the RTT EWMA.
func (s *Supervisor) handleHeartbeat(p *peerState, kind common.TransportKind, hb *common.Heartbeat) {
	p.mu.Lock()
	pub := p.pub
	p.mu.Unlock()
	if len(pub) > 0 {
		body, err := hb.SigningBytes()
		if err != nil || !identity.Verify(pub, body, hb.Signature) {
			s.logger.Warn("dropping heartbeat with bad signature",
				"peer", p.id.Short(), "transport", kind.String())
			return
		}
	}

	now := s.now()
	p.mu.Lock()
	ts := p.transportLocked(kind)
	ts.hbLastRecv = now
	ts.hbMissed = 0
	if hb.Sequence > ts.hbRecvSeq {
		ts.hbRecvSeq = hb.Sequence
	}
	if sentAt, ok := ts.hbSentAt[hb.AckSeq]; ok {
		ts.observeRTT(float64(now.Sub(sentAt).Milliseconds()))
		delete(ts.hbSentAt, hb.AckSeq)
	}
	p.lastSeen = now
	p.mu.Unlock()
}
