package khepera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultTimeout bounds the wait for a single response line.
const DefaultTimeout = 200 * time.Millisecond

// Link serializes request/response exchanges over a Port. A single
// background goroutine reads lines so that a silent robot never blocks the
// caller past the timeout.
type Link struct {
	port    Port
	timeout time.Duration
	retries int

	// Logf receives protocol warnings. Defaults to log.Printf; nil mutes.
	Logf func(format string, args ...any)

	mu    sync.Mutex
	lines chan string
	done  chan struct{}
	// owed counts writes still without an answer; their late lines are
	// awaited until lateUntil before anything new is written.
	owed      int
	lateUntil time.Time

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
}

// NewLink starts reading lines from port. A non-positive timeout uses
// DefaultTimeout.
func NewLink(port Port, timeout time.Duration) *Link {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	l := &Link{
		port:    port,
		timeout: timeout,
		retries: 1,
		Logf:    log.Printf,
		lines:   make(chan string, 16),
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) readLoop() {
	defer close(l.lines)
	r := bufio.NewReader(l.port)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			select {
			case l.lines <- line:
			case <-l.done:
				return
			}
		}
		if err != nil {
			l.errMu.Lock()
			l.readErr = err
			l.errMu.Unlock()
			return
		}
	}
}

// Exchange sends one command and returns the parsed response. A timeout or
// protocol warning is retried once; after that the error wraps ErrNoReading.
// Context cancellation aborts immediately.
func (l *Link) Exchange(ctx context.Context, cmd Command, args ...int) ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.settle(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if l.owed > 0 {
			l.lateUntil = time.Now().Add(l.timeout)
		}
	}()

	req := FormatCommand(cmd, args...)
	var lastErr error
	for attempt := 0; attempt <= l.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.drain()
		if _, err := l.port.Write([]byte(req)); err != nil {
			return nil, fmt.Errorf("write %s command: %w", cmd, err)
		}
		l.owed++

		// A late answer to an earlier attempt of this same request is
		// accepted as the answer.
		values, err := l.await(ctx, cmd)
		if err == nil {
			return values, nil
		}
		var perr *ProtocolError
		if !errors.Is(err, ErrTimeout) && !errors.As(err, &perr) {
			return nil, err
		}
		if l.Logf != nil {
			l.Logf("khepera: %v (attempt %d)", err, attempt+1)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%s: %w: %w", cmd, ErrNoReading, lastErr)
}

func (l *Link) await(ctx context.Context, cmd Command) ([]int, error) {
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case line, ok := <-l.lines:
		if !ok {
			return nil, l.closedErr()
		}
		l.received()
		return ParseResponse(cmd, line)
	}
}

// settle waits, at most until lateUntil, for the answers still owed to
// earlier timed-out requests and discards them, so that a late answer to
// an old request is never taken for the answer to a new one.
func (l *Link) settle(ctx context.Context) error {
	l.drain()
	if l.owed == 0 {
		return nil
	}
	wait := time.Until(l.lateUntil)
	if wait <= 0 {
		l.owed = 0
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for l.owed > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			l.owed = 0
		case _, ok := <-l.lines:
			if !ok {
				l.owed = 0
				return nil
			}
			l.received()
		}
	}
	return nil
}

// drain discards lines that are already buffered.
func (l *Link) drain() {
	for {
		select {
		case _, ok := <-l.lines:
			if !ok {
				return
			}
			l.received()
		default:
			return
		}
	}
}

func (l *Link) received() {
	if l.owed > 0 {
		l.owed--
	}
}

func (l *Link) closedErr() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.readErr != nil {
		return fmt.Errorf("%w: %w", ErrClosed, l.readErr)
	}
	return ErrClosed
}

// Close stops the reader and closes the port.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
	})
	return err
}
