package khepera

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentPort accepts writes and never answers.
type silentPort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newSilentPort() *silentPort {
	r, w := io.Pipe()
	return &silentPort{r: r, w: w}
}

func (p *silentPort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *silentPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *silentPort) Close() error {
	p.w.Close()
	return p.r.Close()
}

// failingPort rejects every write.
type failingPort struct{ silentPort }

func (p *failingPort) Write(b []byte) (int, error) { return 0, errors.New("device gone") }

// scriptedPort answers each write with the next scripted line after its
// delay.
type scriptedPort struct {
	silentPort

	mu      sync.Mutex
	replies []scriptedReply
}

type scriptedReply struct {
	line  string
	delay time.Duration
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replies) > 0 {
		r := p.replies[0]
		p.replies = p.replies[1:]
		go func() {
			time.Sleep(r.delay)
			p.w.Write([]byte(r.line))
		}()
	}
	return len(b), nil
}

func newTestLink(t *testing.T, port Port) *Link {
	t.Helper()
	l := NewLink(port, 30*time.Millisecond)
	l.Logf = t.Logf
	t.Cleanup(func() { l.Close() })
	return l
}

func TestExchange(t *testing.T) {
	sim := NewSimulator(SimOptions{})
	l := newTestLink(t, sim)

	v, err := l.Exchange(context.Background(), CmdVersion)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 13}, v)
	assert.Equal(t, []string{"B"}, sim.Sent())
}

func TestExchange_RetriesOnce(t *testing.T) {
	tests := []struct {
		name    string
		inject  func(*Simulator)
		wantErr bool
		sent    int
	}{
		{"one dropped response", func(s *Simulator) { s.DropResponses(1) }, false, 2},
		{"one garbled response", func(s *Simulator) { s.GarbleResponses(1) }, false, 2},
		{"two dropped responses", func(s *Simulator) { s.DropResponses(2) }, true, 2},
		{"two garbled responses", func(s *Simulator) { s.GarbleResponses(2) }, true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := NewSimulator(SimOptions{})
			l := newTestLink(t, sim)
			tt.inject(sim)

			_, err := l.Exchange(context.Background(), CmdReadCounts)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoReading)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, sim.Sent(), tt.sent)
		})
	}
}

func TestExchange_SilentPortIsBounded(t *testing.T) {
	l := newTestLink(t, newSilentPort())

	start := time.Now()
	_, err := l.Exchange(context.Background(), CmdReadProximity)
	assert.ErrorIs(t, err, ErrNoReading)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExchange_ContextCancelled(t *testing.T) {
	l := newTestLink(t, newSilentPort())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Exchange(ctx, CmdReadCounts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNoReading)
}

func TestExchange_WriteError(t *testing.T) {
	l := newTestLink(t, &failingPort{*newSilentPort()})
	_, err := l.Exchange(context.Background(), CmdReadCounts)
	assert.ErrorContains(t, err, "device gone")
}

func TestExchange_ClosedPort(t *testing.T) {
	sim := NewSimulator(SimOptions{})
	l := NewLink(sim, 30*time.Millisecond)
	l.Logf = t.Logf
	require.NoError(t, l.Close())

	_, err := l.Exchange(context.Background(), CmdReadCounts)
	assert.Error(t, err)
}

func TestExchange_DiscardsLateResponse(t *testing.T) {
	sim := NewSimulator(SimOptions{})
	l := newTestLink(t, sim)

	// A stale line from an earlier exchange sits in the buffer.
	l.lines <- "n,1,2,3,4,5,6,7,8\r\n"

	v, err := l.Exchange(context.Background(), CmdReadCounts)
	require.NoError(t, err)
	assert.Len(t, v, 2)
	assert.Len(t, sim.Sent(), 1)
}

func TestExchange_LateAnswerIsNotReused(t *testing.T) {
	port := &scriptedPort{
		silentPort: *newSilentPort(),
		replies: []scriptedReply{
			{"h,1,1\r\n", 80 * time.Millisecond},
			{"h,2,2\r\n", 0},
		},
	}
	l := NewLink(port, 50*time.Millisecond)
	l.Logf = t.Logf
	l.retries = 0
	t.Cleanup(func() { l.Close() })
	ctx := context.Background()

	_, err := l.Exchange(ctx, CmdReadCounts)
	require.ErrorIs(t, err, ErrNoReading)

	// The first answer shows up while the second read is being made.
	v, err := l.Exchange(ctx, CmdReadCounts)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, v)
}

func TestExchange_RecoversAfterLostAnswers(t *testing.T) {
	sim := NewSimulator(SimOptions{})
	l := newTestLink(t, sim)
	ctx := context.Background()

	sim.DropResponses(2)
	_, err := l.Exchange(ctx, CmdReadCounts)
	require.ErrorIs(t, err, ErrNoReading)

	start := time.Now()
	v, err := l.Exchange(ctx, CmdReadCounts)
	require.NoError(t, err)
	assert.Len(t, v, 2)
	assert.Len(t, sim.Sent(), 3)
	assert.Less(t, time.Since(start), time.Second)
}
