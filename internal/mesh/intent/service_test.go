package intent

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
)

func signedRequest(t *testing.T, origin *identity.Identity, capID, intent string) *common.IntentRequest {
	t.Helper()
	req := &common.IntentRequest{
		RequestID:    uuid.NewString(),
		OriginNodeID: origin.NodeID(),
		CapabilityID: capID,
		Intent:       intent,
		Deadline:     time.Now().Add(10 * time.Second).UnixMilli(),
	}
	body, err := req.SigningBytes()
	require.NoError(t, err)
	req.Signature = origin.Sign(body)
	return req
}

func lastResponse(t *testing.T, f *routerFixture) *common.IntentResponse {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.disp.responses()) > 0
	}, 3*time.Second, 10*time.Millisecond, "no response frame sent")

	frames := f.disp.responses()
	fr, err := common.DecodeFrame(frames[len(frames)-1])
	require.NoError(t, err)
	require.Equal(t, common.FrameIntentResponse, fr.Type)
	var resp common.IntentResponse
	require.NoError(t, common.DecodePayload(fr, &resp))
	return &resp
}

func TestServeRequestExecutesAndResponds(t *testing.T) {
	f := newRouterFixture(t)
	capID, err := f.reg.RegisterCapability(common.CapTool, "echo text back to the caller", nil, nil,
		func(_ context.Context, intent string, _ map[string]string) ([]byte, error) {
			return []byte("echo: " + intent), nil
		})
	require.NoError(t, err)

	origin, err := identity.Generate()
	require.NoError(t, err)
	req := signedRequest(t, origin, capID, "hello mesh")
	f.router.HandleIntentRequest(origin.NodeID(), req)

	resp := lastResponse(t, f)
	assert.Equal(t, req.RequestID, resp.RequestID)
	assert.Equal(t, f.id.NodeID(), resp.NodeID)
	assert.Equal(t, common.IntentOK, resp.Status)
	assert.Equal(t, "echo: hello mesh", string(resp.Result))

	// The response carries the executor's signature.
	body, err := resp.SigningBytes()
	require.NoError(t, err)
	assert.True(t, identity.Verify(f.id.PublicKey(), body, resp.Signature))
}

func TestServeRequestUnknownCapability(t *testing.T) {
	f := newRouterFixture(t)
	origin, err := identity.Generate()
	require.NoError(t, err)

	req := signedRequest(t, origin, "no-such-cap", "do anything")
	f.router.HandleIntentRequest(origin.NodeID(), req)

	resp := lastResponse(t, f)
	assert.Equal(t, common.IntentUnknownCapability, resp.Status)
	assert.Empty(t, resp.Result)
}

func TestServeRequestExecutorErrorReported(t *testing.T) {
	f := newRouterFixture(t)
	capID, err := f.reg.RegisterCapability(common.CapTool, "convert spreadsheet files", nil, nil,
		func(context.Context, string, map[string]string) ([]byte, error) {
			return nil, assert.AnError
		})
	require.NoError(t, err)

	origin, err := identity.Generate()
	require.NoError(t, err)
	f.router.HandleIntentRequest(origin.NodeID(), signedRequest(t, origin, capID, "convert this file"))

	resp := lastResponse(t, f)
	assert.Equal(t, common.IntentError, resp.Status)
	assert.NotEmpty(t, resp.Error)
}

func TestServeRequestExpiredDeadlineDropped(t *testing.T) {
	f := newRouterFixture(t)
	capID, err := f.reg.RegisterCapability(common.CapTool, "echo text back to the caller", nil, nil,
		func(_ context.Context, intent string, _ map[string]string) ([]byte, error) {
			return []byte(intent), nil
		})
	require.NoError(t, err)

	origin, err := identity.Generate()
	require.NoError(t, err)
	req := signedRequest(t, origin, capID, "too late")
	req.Deadline = time.Now().Add(-time.Second).UnixMilli()
	body, err := req.SigningBytes()
	require.NoError(t, err)
	req.Signature = origin.Sign(body)

	f.router.HandleIntentRequest(origin.NodeID(), req)
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, f.disp.responses(), "expired requests answer nobody")
}

func TestServeRequestBadSignatureDropped(t *testing.T) {
	f := newRouterFixture(t)
	capID, err := f.reg.RegisterCapability(common.CapTool, "echo text back to the caller", nil, nil,
		func(_ context.Context, intent string, _ map[string]string) ([]byte, error) {
			return []byte(intent), nil
		})
	require.NoError(t, err)

	origin, err := identity.Generate()
	require.NoError(t, err)
	pub := origin.PublicKey()
	f.router.SetKeyLookup(func(id common.NodeID) ([]byte, bool) {
		if id == origin.NodeID() {
			return pub, true
		}
		return nil, false
	})

	req := signedRequest(t, origin, capID, "tampered")
	req.Intent = "tampered after signing"
	f.router.HandleIntentRequest(origin.NodeID(), req)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, f.disp.responses())
}

func TestStaleResponseIgnored(t *testing.T) {
	f := newRouterFixture(t)
	resp := &common.IntentResponse{
		RequestID: uuid.NewString(),
		NodeID:    f.id.NodeID(),
		Status:    common.IntentOK,
	}
	// No dispatch waits on this id; the handler must simply drop it.
	f.router.HandleIntentResponse(f.id.NodeID(), resp)
}
