package intent

import (
	"context"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
)

// HandleIntentRequest executes one inbound request against the local
// registry and answers with a signed response. Called from the
// connection's read path; execution runs on its own goroutine so a slow
// capability never stalls the demux.
func (r *Router) HandleIntentRequest(from common.NodeID, req *common.IntentRequest) {
	if !r.verifyRequest(req) {
		r.logger.Warn("dropping intent request with bad signature",
			"from", from.Short(), "origin", req.OriginNodeID.Short())
		return
	}
	go r.serveRequest(from, req)
}

func (r *Router) serveRequest(from common.NodeID, req *common.IntentRequest) {
	deadline := time.UnixMilli(req.Deadline)
	if !deadline.After(r.now()) {
		// Expired before it arrived; the origin has already moved on.
		return
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	exec, ok := r.reg.Executor(req.CapabilityID)
	if !ok || exec == nil {
		r.respond(ctx, from, req, common.IntentUnknownCapability, nil, "")
		return
	}

	select {
	case r.localSem <- struct{}{}:
	default:
		r.respond(ctx, from, req, common.IntentBusy, nil, "")
		return
	}
	defer func() { <-r.localSem }()

	result, err := exec(ctx, req.Intent, req.Context)
	if err != nil {
		r.respond(ctx, from, req, common.IntentError, nil, err.Error())
		return
	}
	r.count(func(m *Metrics) { m.LocalRuns++ })
	r.respond(ctx, from, req, common.IntentOK, result, "")
}

func (r *Router) respond(ctx context.Context, to common.NodeID, req *common.IntentRequest,
	status common.IntentStatus, result []byte, errMsg string) {

	resp := common.IntentResponse{
		RequestID: req.RequestID,
		NodeID:    r.id.NodeID(),
		Status:    status,
		Result:    result,
		Error:     errMsg,
	}
	body, err := resp.SigningBytes()
	if err != nil {
		r.logger.Error("signing intent response failed", "error", err)
		return
	}
	resp.Signature = r.id.Sign(body)
	frame, err := common.EncodeFrame(common.FrameIntentResponse, &resp)
	if err != nil {
		r.logger.Error("encoding intent response failed", "error", err)
		return
	}
	if err := r.dispatcher.SendFrame(ctx, to, frame); err != nil {
		r.logger.Debug("intent response send failed",
			"to", to.Short(), "request_id", req.RequestID, "error", err)
	}
}

// HandleIntentResponse delivers one inbound response to the dispatch
// waiting on it. Unmatched responses are stale retries and get dropped.
func (r *Router) HandleIntentResponse(from common.NodeID, resp *common.IntentResponse) {
	if !r.verifyResponse(resp) {
		r.logger.Warn("dropping intent response with bad signature",
			"from", from.Short(), "executor", resp.NodeID.Short())
		return
	}
	r.pendingMu.Lock()
	ch, ok := r.pending[resp.RequestID]
	if ok {
		delete(r.pending, resp.RequestID)
	}
	r.pendingMu.Unlock()
	if !ok {
		r.logger.Debug("no dispatch waiting for response", "request_id", resp.RequestID)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// verifyRequest checks the origin's signature when its key is known.
// The transport handshake already authenticated the sender, so a request
// from a node whose key has not gossiped in yet is accepted as-is.
func (r *Router) verifyRequest(req *common.IntentRequest) bool {
	fn := r.keyLookup.Load()
	if fn == nil {
		return true
	}
	pub, ok := (*fn)(req.OriginNodeID)
	if !ok {
		return true
	}
	body, err := req.SigningBytes()
	if err != nil {
		return false
	}
	return identity.Verify(pub, body, req.Signature)
}

func (r *Router) verifyResponse(resp *common.IntentResponse) bool {
	fn := r.keyLookup.Load()
	if fn == nil {
		return true
	}
	pub, ok := (*fn)(resp.NodeID)
	if !ok {
		return true
	}
	body, err := resp.SigningBytes()
	if err != nil {
		return false
	}
	return identity.Verify(pub, body, resp.Signature)
}
