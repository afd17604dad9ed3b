package submit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/solana"
)

type fakeSender struct {
	delay time.Duration
	err   error
	sig   string
	calls atomic.Int32
	sim   *solana.SimulationResult

	simDelay time.Duration
	simErr   error
}

func (f *fakeSender) SendTransaction(ctx context.Context, _ string) (string, error) {
	f.calls.Add(1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return f.sig, f.err
}

func (f *fakeSender) SimulateTransaction(ctx context.Context, _ string) (*solana.SimulationResult, error) {
	select {
	case <-time.After(f.simDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.simErr != nil {
		return nil, f.simErr
	}
	if f.sim == nil {
		return &solana.SimulationResult{}, nil
	}
	return f.sim, nil
}

func TestSubmit_FastestWins(t *testing.T) {
	slow := &fakeSender{delay: 200 * time.Millisecond, sig: "sig"}
	fast := &fakeSender{delay: 5 * time.Millisecond, sig: "sig"}
	s := New(Config{}, []Endpoint{{Name: "slow", Sender: slow}, {Name: "fast", Sender: fast}}, nil)

	res := s.Submit(context.Background(), "tx", Options{})
	require.True(t, res.Success)
	assert.Equal(t, "fast", res.Winner)
	assert.Equal(t, "sig", res.Signature)
	assert.Less(t, res.LatencyMs, int64(200))
}

func TestSubmit_ErrorsDoNotWin(t *testing.T) {
	bad := &fakeSender{err: errors.New("rpc error")}
	good := &fakeSender{delay: 20 * time.Millisecond, sig: "sig"}
	s := New(Config{}, []Endpoint{{Name: "bad", Sender: bad}, {Name: "good", Sender: good}}, nil)

	res := s.Submit(context.Background(), "tx", Options{})
	require.True(t, res.Success)
	assert.Equal(t, "good", res.Winner)
}

func TestSubmit_AllFail(t *testing.T) {
	s := New(Config{}, []Endpoint{
		{Name: "a", Sender: &fakeSender{err: errors.New("boom")}},
		{Name: "b", Sender: &fakeSender{err: errors.New("boom")}},
	}, nil)

	res := s.Submit(context.Background(), "tx", Options{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "all endpoints failed")
	assert.Equal(t, int64(1), s.Stats().Failures)
}

func TestSubmit_TimeoutBound(t *testing.T) {
	s := New(Config{}, []Endpoint{{Name: "stuck", Sender: &fakeSender{delay: time.Second}}}, nil)

	res := s.Submit(context.Background(), "tx", Options{TimeoutOnAll: 50 * time.Millisecond})
	assert.False(t, res.Success)
	assert.Equal(t, "timeout", res.Reason)
	assert.Less(t, res.LatencyMs, int64(250))
}

func TestSubmit_SimulationFailure(t *testing.T) {
	ep := &fakeSender{sig: "sig", sim: &solana.SimulationResult{Err: "InstructionError"}}
	s := New(Config{}, []Endpoint{{Name: "a", Sender: ep}}, nil)

	res := s.Submit(context.Background(), "tx", Options{Simulate: true})
	assert.False(t, res.Success)
	assert.Equal(t, "simulation_failed", res.Reason)
	assert.Equal(t, int32(0), ep.calls.Load())
}

func TestSubmit_SimulatorUnavailable(t *testing.T) {
	tests := []struct {
		name string
		ep   *fakeSender
	}{
		{"error", &fakeSender{sig: "sig", simErr: errors.New("connection refused")}},
		{"timeout", &fakeSender{sig: "sig", simDelay: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{SimTimeout: 20 * time.Millisecond}, []Endpoint{{Name: "a", Sender: tt.ep}}, nil)

			start := time.Now()
			res := s.Submit(context.Background(), "tx", Options{Simulate: true})
			assert.False(t, res.Success)
			assert.Equal(t, "simulation_failed", res.Reason)
			assert.Less(t, time.Since(start), 500*time.Millisecond)
			assert.Equal(t, int32(0), tt.ep.calls.Load())
		})
	}
}

func TestSubmit_RelayWins(t *testing.T) {
	slow := &fakeSender{delay: 200 * time.Millisecond, sig: "sig"}
	relay := func(ctx context.Context, tx string) (string, error) { return "bundle-9", nil }
	s := New(Config{}, []Endpoint{{Name: "slow", Sender: slow}}, relay)

	res := s.Submit(context.Background(), "tx", Options{UseRelay: true})
	require.True(t, res.Success)
	assert.Equal(t, RelayName, res.Winner)
	assert.Equal(t, "bundle-9", res.BundleID)
}

func TestSubmit_TopKPrefersMeasuredFastest(t *testing.T) {
	a := &fakeSender{delay: 30 * time.Millisecond, sig: "sig"}
	b := &fakeSender{delay: 1 * time.Millisecond, sig: "sig"}
	s := New(Config{}, []Endpoint{{Name: "a", Sender: a}, {Name: "b", Sender: b}}, nil)

	// Measure both.
	s.lat["a"].add(30 * time.Millisecond)
	s.lat["b"].add(1 * time.Millisecond)

	res := s.Submit(context.Background(), "tx", Options{TopK: 1})
	require.True(t, res.Success)
	assert.Equal(t, "b", res.Winner)
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestSubmit_NoEndpoints(t *testing.T) {
	s := New(Config{}, nil, nil)
	res := s.Submit(context.Background(), "tx", Options{})
	assert.False(t, res.Success)
	assert.Equal(t, ErrNoEndpoints.Error(), res.Reason)
}

func TestSendSigned(t *testing.T) {
	s := New(Config{}, []Endpoint{{Name: "a", Sender: &fakeSender{sig: "abc"}}}, nil)
	sig, err := s.SendSigned(context.Background(), "tx")
	require.NoError(t, err)
	assert.Equal(t, "abc", sig)
}

func TestLatencyRing(t *testing.T) {
	r := newLatencyRing(3)
	_, ok := r.median()
	assert.False(t, ok)

	for _, ms := range []int{10, 50, 20, 90} {
		r.add(time.Duration(ms) * time.Millisecond)
	}
	// Window of three keeps 50, 20, 90.
	m, ok := r.median()
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, m)
}
