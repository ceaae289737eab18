package meshchannel

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/meshhub/internal/command"
	"github.com/ocx/meshhub/internal/meshwire"
	"github.com/ocx/meshhub/internal/resilience"
)

// dispatch is the transport.Dispatcher passed to transport.New: the single
// entry point for every envelope accepted off the wire.
func (c *Channel) dispatch(env *meshwire.Envelope) {
	switch env.Type {
	case meshwire.TypeChat:
		c.handleChat(env)
	case meshwire.TypeStateReport:
		c.handleStateReport(env)
	case meshwire.TypeCommand:
		c.handleCommand(env)
	case meshwire.TypeResponse:
		c.handleResponse(env)
	case meshwire.TypePing:
		c.handlePing(env)
	case meshwire.TypeEnrollRequest:
		c.handleEnrollRequest(env)
	case meshwire.TypeOTAOffer, meshwire.TypeOTAAccept, meshwire.TypeOTAReject,
		meshwire.TypeOTAChunk, meshwire.TypeOTAChunkAck, meshwire.TypeOTAVerify,
		meshwire.TypeOTAComplete, meshwire.TypeOTAAbort:
		c.OTA.Handle(env)
	case meshwire.TypeFederationHello, meshwire.TypeFederationSync,
		meshwire.TypeFederationCommand, meshwire.TypeFederationResponse,
		meshwire.TypeFederationState, meshwire.TypeFederationPing,
		meshwire.TypeFederationPong:
		// Peer-hub frames normally arrive on a held-open link the transport
		// hands straight to federation; anything routed here came in as a
		// single-shot frame instead.
		c.Federation.HandleEnvelope(env)
	default:
		slog.Debug("meshchannel: unhandled envelope type", "type", env.Type)
	}
}

func (c *Channel) handleChat(env *meshwire.Envelope) {
	c.AgentSink.BroadcastChat(env.Source, env.Payload)
}

func (c *Channel) handleStateReport(env *meshwire.Envelope) {
	state, _ := env.Payload["state"].(map[string]interface{})
	if state == nil {
		return
	}
	if err := c.Registry.UpdateState(env.Source, state); err != nil {
		slog.Debug("meshchannel: state report rejected", "node_id", env.Source, "error", err)
		return
	}
	c.Registry.MarkOnline(env.Source, true)
	c.AgentSink.BroadcastStateReport(env.Source, state)

	for _, cmd := range c.Automation.Evaluate(env.Source, time.Now()) {
		c.Metrics.ObserveRuleFire()
		c.dispatchCommand(cmd)
	}

	c.Federation.BroadcastState(env.Source, state)
}

// handlePing answers a mesh keepalive with PONG. The PONG goes out through
// Transport.Send like any other envelope, so it is signed whenever a PSK for
// the peer is known (and never encrypted: PONG is not an encryptable type).
func (c *Channel) handlePing(env *meshwire.Envelope) {
	c.Transport.Send(&meshwire.Envelope{
		Type:   meshwire.TypePong,
		Source: c.cfg.NodeID,
		Target: env.Source,
	})
}

func (c *Channel) handleEnrollRequest(env *meshwire.Envelope) {
	name, _ := env.Payload["name"].(string)
	pinProof, _ := env.Payload["pin_proof"].(string)

	result := c.Enrollment.Handle(env.Source, name, pinProof)

	payload := map[string]interface{}{"status": result.Status}
	if result.Reason != "" {
		payload["reason"] = result.Reason
	}
	if result.EncryptedPSK != "" {
		payload["encrypted_psk"] = result.EncryptedPSK
		payload["salt"] = result.Salt
	}
	if result.CertPEM != "" {
		payload["cert_pem"] = result.CertPEM
		payload["key_pem"] = result.KeyPEM
		payload["ca_cert_pem"] = result.CACertPEM
	}

	c.Transport.Send(&meshwire.Envelope{
		Type:    meshwire.TypeEnrollResponse,
		Source:  c.cfg.NodeID,
		Target:  env.Source,
		Payload: payload,
	})
}

// handleCommand executes a COMMAND envelope addressed to this Hub's own
// device set (i.e. a device one hop away sent it directly) and replies with
// a RESPONSE. Commands issued by the Hub itself toward a device go out via
// dispatchCommand/ExecuteCommand instead.
func (c *Channel) handleCommand(env *meshwire.Envelope) {
	cmd, ok := command.FromEnvelope(env)
	if !ok {
		return
	}
	correlationID, _ := env.Payload["correlation_id"].(string)

	resp := c.executeLocal(cmd)

	payload := map[string]interface{}{
		"device": resp.Device,
		"status": string(resp.Status),
	}
	if resp.Capability != "" {
		payload["capability"] = resp.Capability
	}
	if resp.Value != nil {
		payload["value"] = resp.Value
	}
	if resp.Error != "" {
		payload["error"] = resp.Error
	}
	if correlationID != "" {
		payload["correlation_id"] = correlationID
	}

	c.Transport.Send(&meshwire.Envelope{
		Type:    meshwire.TypeResponse,
		Source:  c.cfg.NodeID,
		Target:  env.Source,
		Payload: payload,
	})
}

// handleResponse completes a pending ExecuteCommand call, matched by
// correlation_id — the same pending-channel pattern federation.Manager
// uses for ForwardCommand.
func (c *Channel) handleResponse(env *meshwire.Envelope) {
	correlationID, _ := env.Payload["correlation_id"].(string)
	if correlationID == "" {
		return
	}

	status, _ := env.Payload["status"].(string)
	errMsg, _ := env.Payload["error"].(string)
	resp := command.Response{
		Device: env.Source,
		Status: command.ResponseStatus(status),
		Value:  env.Payload["value"],
		Error:  errMsg,
	}
	if cap, ok := env.Payload["capability"].(string); ok {
		resp.Capability = cap
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[correlationID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// ExecuteCommand validates cmd, routes it to the owning device (local mesh
// send, or federation.ForwardCommand for a remote device), and blocks for
// its Response up to the federation command timeout. Used as
// agentsink.Sink's CommandHandler and by the automation dispatch path.
func (c *Channel) ExecuteCommand(cmd command.Command) command.Response {
	if findings := command.Validate(cmd, c.Registry); hasBlockingError(findings) {
		return command.Response{Device: cmd.Device, Status: command.StatusError, Error: findings[0].Message}
	}

	if c.Federation.IsRemote(cmd.Device) {
		return c.Federation.ForwardCommand(cmd.Device, cmd.Capability, cmd.Params["value"])
	}

	return c.executeLocal(cmd)
}

// executeLocal sends cmd to a device on this Hub's own mesh and waits for
// its RESPONSE, correlating by a random ID carried in the envelope payload.
func (c *Channel) executeLocal(cmd command.Command) command.Response {
	env := command.ToEnvelope(cmd, c.cfg.NodeID)
	correlationID := uuid.NewString()
	env.Payload["correlation_id"] = correlationID

	respCh := make(chan command.Response, 1)
	c.pendingMu.Lock()
	c.pending[correlationID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, correlationID)
		c.pendingMu.Unlock()
	}()

	if !c.Transport.SendWithRetry(c.ctx, env, resilience.DefaultRetryPolicy()) {
		return command.Response{Device: cmd.Device, Status: command.StatusError, Error: "device unreachable"}
	}

	select {
	case resp := <-respCh:
		return resp
	case <-time.After(10 * time.Second):
		return command.Response{Device: cmd.Device, Status: command.StatusError, Error: "timed out waiting for response"}
	}
}

// dispatchCommand fires an automation-emitted command without blocking the
// STATE_REPORT handler on the device's reply.
func (c *Channel) dispatchCommand(cmd command.Command) {
	go c.ExecuteCommand(cmd)
}

func hasBlockingError(findings []command.ValidationError) bool {
	for _, f := range findings {
		if f.Severity == "error" {
			return true
		}
	}
	return false
}

// pendingCount reports the number of in-flight local command correlations,
// for tests.
func (c *Channel) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}
