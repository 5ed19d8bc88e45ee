package tunnelstate

import (
	"sync"
)

// CommandSender is the machine's ingress. Send never blocks; commands queue
// without bound and are delivered in order.
type CommandSender struct {
	mu      sync.Mutex
	queue   []TunnelCommand
	closed  bool
	stopped bool

	notify chan struct{}
	halt   chan struct{}
	out    chan TunnelCommand
}

func newCommandSender() *CommandSender {
	s := &CommandSender{
		notify: make(chan struct{}, 1),
		halt:   make(chan struct{}),
		out:    make(chan TunnelCommand),
	}
	go s.pump()
	return s
}

// Send queues a command. It fails once Close has been called or the machine
// has stopped.
func (s *CommandSender) Send(cmd TunnelCommand) error {
	s.mu.Lock()
	if s.closed || s.stopped {
		s.mu.Unlock()
		return ErrCommandChannelClosed
	}
	s.queue = append(s.queue, cmd)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close shuts the machine down once queued commands are delivered.
func (s *CommandSender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// stop is called by the machine on exit so the pump does not block forever.
func (s *CommandSender) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.queue = nil
	close(s.halt)
}

func (s *CommandSender) pump() {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				close(s.out)
				return
			}
			select {
			case <-s.notify:
			case <-s.halt:
				return
			}
			continue
		}
		cmd := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- cmd:
		case <-s.halt:
			return
		}
	}
}
