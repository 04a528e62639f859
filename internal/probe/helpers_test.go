package probe

import (
	"context"
	"sync"
	"time"
)

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

// seqRand replays values in order and repeats the last one.
type seqRand struct {
	mu   sync.Mutex
	vals []float64
	pos  int
}

func (s *seqRand) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vals[s.pos]
	if s.pos < len(s.vals)-1 {
		s.pos++
	}
	return v
}

type pingResult struct {
	rtt time.Duration
	err error
}

// scriptedPinger returns queued results per endpoint and records calls.
type scriptedPinger struct {
	mu        sync.Mutex
	script    map[string][]pingResult
	calls     []string
	deadlines []time.Duration
}

func (p *scriptedPinger) Ping(ctx context.Context, endpoint string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, endpoint)
	if dl, ok := ctx.Deadline(); ok {
		p.deadlines = append(p.deadlines, time.Until(dl))
	}
	queue := p.script[endpoint]
	if len(queue) == 0 {
		return 0, errUnscripted
	}
	res := queue[0]
	if len(queue) > 1 {
		p.script[endpoint] = queue[1:]
	}
	return res.rtt, res.err
}

type scriptErr string

func (e scriptErr) Error() string { return string(e) }

const errUnscripted = scriptErr("no scripted result")
