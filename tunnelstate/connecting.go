package tunnelstate

import (
	"errors"
	"time"

	"github.com/fosrl/tunnelctl/logger"
)

// connectingState owns one connection attempt. It is in one of four modes:
// paused while the host is offline, waiting on retryTimer after a failure,
// waiting on startTimer (or a previous tunnel's exit) before starting the
// tunnel, or watching a started tunnel for Up.
type connectingState struct {
	attempt  uint32
	params   *TunnelParameters
	metadata *TunnelMetadata
	paused   bool

	tunnel Tunnel
	events <-chan TunnelEvent
	exited <-chan struct{}

	// closing is a tunnel from an earlier attempt that has been asked to
	// close. No new tunnel starts until closed fires.
	closing Tunnel
	closed  <-chan struct{}

	startTimer   *time.Timer
	retryTimer   *time.Timer
	retryAttempt uint32
}

// enterConnecting generates parameters for attempt, installs the connecting
// policy and starts the tunnel after delay.
func enterConnecting(shared *SharedContext, attempt uint32, delay time.Duration) (tunnelState, TunnelStateTransition) {
	return enterConnectingAfter(shared, nil, attempt, delay)
}

// enterConnectingAfter is enterConnecting for when an earlier tunnel is still
// shutting down. closing is asked to close and the new tunnel is only started
// once it has exited, while commands keep being served.
func enterConnectingAfter(shared *SharedContext, closing Tunnel, attempt uint32, delay time.Duration) (tunnelState, TunnelStateTransition) {
	if attempt == 0 {
		shared.retry.reset()
	}
	if shared.isOffline {
		return enterPausedConnecting(shared, closing, attempt)
	}

	params, err := shared.generator.Generate(shared.ctx, attempt)
	if err != nil {
		return enterGeneratorFailure(shared, closing, attempt, err)
	}

	s := &connectingState{attempt: attempt, params: &params}
	s.awaitClose(closing)
	if err := shared.applyPolicy(s.policy(shared)); err != nil {
		return enterErrorAfter(shared, s.release(), causeFromErr(CauseSetFirewallPolicy, err))
	}
	if err := shared.routes.ClearRoutes(); err != nil {
		return enterErrorAfter(shared, s.release(), causeFromErr(CauseSetRoutes, err))
	}

	transition := connectingTransition(attempt, &params.Endpoint)
	if delay > 0 {
		logger.Info("Waiting %s before connection attempt %d to %s", delay, attempt, params.Endpoint)
		s.startTimer = time.NewTimer(delay)
		return s, transition
	}
	if s.closed != nil {
		logger.Debug("Waiting for the previous tunnel to exit before attempt %d", attempt)
		return s, transition
	}
	if err := s.startTunnel(shared); err != nil {
		if errors.Is(err, ErrTunnelFatal) {
			return enterError(shared, causeFromErr(CauseTunnelFatal, err))
		}
		if !s.scheduleRetry(shared) {
			return enterError(shared, causeFromErr(CauseRetriesExhausted, err))
		}
	}
	return s, transition
}

func enterPausedConnecting(shared *SharedContext, closing Tunnel, attempt uint32) (tunnelState, TunnelStateTransition) {
	logger.Info("Host is offline, pausing connection attempt %d", attempt)
	s := &connectingState{attempt: attempt, paused: true}
	s.awaitClose(closing)
	if err := shared.applyPolicy(s.policy(shared)); err != nil {
		return enterErrorAfter(shared, s.release(), causeFromErr(CauseSetFirewallPolicy, err))
	}
	return s, connectingTransition(attempt, nil)
}

func enterGeneratorFailure(shared *SharedContext, closing Tunnel, attempt uint32, err error) (tunnelState, TunnelStateTransition) {
	if !IsRetryable(err) {
		logger.Error("Giving up on tunnel parameters: %v", err)
		return enterErrorAfter(shared, closing, generatorCause(err))
	}
	logger.Warn("Failed to generate tunnel parameters for attempt %d: %v", attempt, err)

	s := &connectingState{attempt: attempt}
	s.awaitClose(closing)
	if !s.scheduleRetry(shared) {
		return enterErrorAfter(shared, s.release(), generatorCause(err))
	}
	if err := shared.applyPolicy(s.policy(shared)); err != nil {
		return enterErrorAfter(shared, s.release(), causeFromErr(CauseSetFirewallPolicy, err))
	}
	return s, connectingTransition(attempt, nil)
}

// generatorCause reports rejected credentials as an authentication failure
// and everything else as a parameter generation failure.
func generatorCause(err error) ErrorStateCause {
	if IsAuthFailure(err) {
		return causeFromErr(CauseAuthFailed, err)
	}
	return causeFromErr(CauseParameterGeneration, err)
}

// policy is the connecting policy once parameters exist, and the blocking
// policy otherwise.
func (s *connectingState) policy(shared *SharedContext) FirewallPolicy {
	if s.paused || s.params == nil {
		return BlockedPolicy(shared.allowLAN)
	}
	return ConnectingPolicy(s.params.Endpoint, s.metadata, shared.allowLAN, s.params.pingableHosts())
}

func (s *connectingState) startTunnel(shared *SharedContext) error {
	logger.Info("Starting tunnel to %s (attempt %d)", s.params.Endpoint, s.attempt)
	tunnel, err := shared.provider.Start(shared.ctx, *s.params)
	if err != nil {
		logger.Error("Failed to start tunnel: %v", err)
		return err
	}
	s.tunnel = tunnel
	s.events = tunnel.Events()
	s.exited = tunnel.Done()
	return nil
}

func (s *connectingState) scheduleRetry(shared *SharedContext) bool {
	next, delay, ok := shared.retry.next(s.attempt)
	if !ok {
		return false
	}
	s.retryAttempt = next
	s.retryTimer = time.NewTimer(delay)
	return true
}

// retry re-enters Connecting with the next attempt, or gives up. closing is
// the failed attempt's tunnel, if it has not exited yet.
func (s *connectingState) retry(shared *SharedContext, closing Tunnel, cause error) (tunnelState, TunnelStateTransition) {
	next, delay, ok := shared.retry.next(s.attempt)
	if !ok {
		logger.Error("Giving up after %d connection attempts", s.attempt+1)
		return enterErrorAfter(shared, closing, causeFromErr(CauseRetriesExhausted, cause))
	}
	return enterConnectingAfter(shared, closing, next, delay)
}

// awaitClose asks tunnel to close and tracks its exit.
func (s *connectingState) awaitClose(tunnel Tunnel) {
	if tunnel == nil {
		return
	}
	tunnel.Close()
	s.closing = tunnel
	s.closed = tunnel.Done()
}

// startIfReady starts the tunnel once nothing is left to wait for.
func (s *connectingState) startIfReady(shared *SharedContext) eventConsequence {
	if s.paused || s.params == nil || s.tunnel != nil || s.closed != nil || s.startTimer != nil || s.retryTimer != nil {
		return same()
	}
	if err := s.startTunnel(shared); err != nil {
		if errors.Is(err, ErrTunnelFatal) {
			return moveTo(enterError(shared, causeFromErr(CauseTunnelFatal, err)))
		}
		if !s.scheduleRetry(shared) {
			return moveTo(enterError(shared, causeFromErr(CauseRetriesExhausted, err)))
		}
	}
	return same()
}

func (s *connectingState) handleEvent(commands <-chan TunnelCommand, shared *SharedContext) eventConsequence {
	if cmd, ok, ready := receiveCommand(commands); ready {
		return s.handleCommand(cmd, ok, shared)
	}

	select {
	case cmd, ok := <-commands:
		return s.handleCommand(cmd, ok, shared)
	case ev, ok := <-s.events:
		if !ok {
			s.events = nil
			return same()
		}
		return s.handleTunnelEvent(ev, shared)
	case <-s.exited:
		return s.handleTunnelExit(shared)
	case <-s.closed:
		s.closing, s.closed = nil, nil
		return s.startIfReady(shared)
	case <-timerC(s.startTimer):
		s.startTimer = nil
		return s.startIfReady(shared)
	case <-timerC(s.retryTimer):
		s.retryTimer = nil
		return moveTo(enterConnectingAfter(shared, s.release(), s.retryAttempt, 0))
	}
}

func (s *connectingState) handleCommand(cmd TunnelCommand, ok bool, shared *SharedContext) eventConsequence {
	if !ok {
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterNothing}))
	}

	switch c := cmd.(type) {
	case AllowLAN:
		if shared.allowLAN == c.Allow {
			return same()
		}
		shared.allowLAN = c.Allow
		if err := shared.applyPolicy(s.policy(shared)); err != nil {
			return moveTo(enterDisconnecting(shared, s.release(), blockAfter(CauseSetFirewallPolicy, err)))
		}
	case CustomDNS:
		shared.customDNS = normalizeServers(c.Servers)
	case BlockWhenDisconnected:
		shared.blockWhenDisconnected = c.Block
	case IsOffline:
		shared.isOffline = c.Offline
		if c.Offline && !s.paused {
			return s.pause(shared)
		}
		if !c.Offline && s.paused {
			return moveTo(enterConnectingAfter(shared, s.release(), s.attempt, 0))
		}
	case Connect:
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterReconnect}))
	case Disconnect:
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterNothing}))
	case Block:
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterBlock, Cause: c.Cause}))
	}
	return same()
}

func (s *connectingState) handleTunnelEvent(ev TunnelEvent, shared *SharedContext) eventConsequence {
	switch ev.Kind {
	case EventInterfaceUp:
		metadata := ev.Metadata
		s.metadata = &metadata
		if err := shared.applyPolicy(s.policy(shared)); err != nil {
			return moveTo(enterDisconnecting(shared, s.release(), blockAfter(CauseSetFirewallPolicy, err)))
		}
		return same()
	case EventUp:
		metadata := ev.Metadata
		if metadata.Interface == "" && s.metadata != nil {
			metadata = *s.metadata
		}
		params := *s.params
		return moveTo(enterConnected(shared, s.release(), params, metadata))
	case EventDown:
		logger.Warn("Tunnel went down during connection attempt %d: %s", s.attempt, ev.Reason)
		return moveTo(s.retry(shared, s.release(), errors.New(ev.Reason)))
	case EventAuthFailed:
		cause := ErrorStateCause{Kind: CauseAuthFailed, Detail: ev.Reason}
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterBlock, Cause: cause}))
	}
	return same()
}

func (s *connectingState) handleTunnelExit(shared *SharedContext) eventConsequence {
	err := s.tunnel.Err()
	s.tunnel, s.events, s.exited = nil, nil, nil
	if errors.Is(err, ErrTunnelFatal) {
		return moveTo(enterError(shared, causeFromErr(CauseTunnelFatal, err)))
	}
	logger.Warn("Tunnel exited during connection attempt %d: %v", s.attempt, err)
	return moveTo(s.retry(shared, s.release(), err))
}

// pause aborts the attempt without consuming a retry.
func (s *connectingState) pause(shared *SharedContext) eventConsequence {
	logger.Info("Host went offline, pausing connection attempt %d", s.attempt)
	s.awaitClose(s.release())
	s.paused = true
	s.metadata = nil
	if err := shared.applyPolicy(s.policy(shared)); err != nil {
		return moveTo(enterErrorAfter(shared, s.release(), causeFromErr(CauseSetFirewallPolicy, err)))
	}
	return same()
}

// release hands the live tunnel, or the one still closing, to the next state
// and cancels pending timers.
func (s *connectingState) release() Tunnel {
	s.stopTimers()
	tunnel := s.tunnel
	if tunnel == nil {
		tunnel = s.closing
	}
	s.tunnel, s.events, s.exited = nil, nil, nil
	s.closing, s.closed = nil, nil
	return tunnel
}

func (s *connectingState) closeTunnel() {
	if tunnel := s.release(); tunnel != nil {
		closeAndWait(tunnel)
	}
}

func (s *connectingState) stopTimers() {
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *connectingState) teardown() {
	s.closeTunnel()
}

func closeAndWait(tunnel Tunnel) {
	tunnel.Close()
	<-tunnel.Done()
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
