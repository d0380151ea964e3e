package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptgott/relaymail/certstore"
	"github.com/ptgott/relaymail/crypt"
	"github.com/ptgott/relaymail/email"
	"github.com/ptgott/relaymail/events"
	"github.com/ptgott/relaymail/transport"
)

var (
	busy = transport.Outcome{
		Status: transport.Unavailable,
		Reason: transport.ReasonBusy,
		Code:   421,
		Err:    errors.New("421 try again later"),
	}
	noSuchUser = transport.Outcome{
		Status: transport.Rejected,
		Reason: transport.ReasonRecipient,
		Code:   550,
		Err:    errors.New("550 no such user"),
	}
	badLogin = transport.Outcome{
		Status: transport.Rejected,
		Reason: transport.ReasonAuth,
		Code:   535,
		Err:    errors.New("535 bad credentials"),
	}
)

// fakeTransport returns outcomes in order, repeating the last one. Without
// outcomes it accepts everything.
type fakeTransport struct {
	name     string
	outcomes []transport.Outcome
	onSend   func(n int)

	mu   sync.Mutex
	sent []transport.Envelope
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(ctx context.Context, env transport.Envelope) transport.Outcome {
	f.mu.Lock()
	env.Data = append([]byte(nil), env.Data...)
	env.To = append([]string(nil), env.To...)
	f.sent = append(f.sent, env)
	n := len(f.sent)
	f.mu.Unlock()

	if f.onSend != nil {
		f.onSend(n)
	}
	if len(f.outcomes) == 0 {
		return transport.OK(fmt.Sprintf("%v-%v", f.name, n))
	}
	if n > len(f.outcomes) {
		n = len(f.outcomes)
	}
	return f.outcomes[n-1]
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) envelopes() []transport.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Envelope(nil), f.sent...)
}

// staticResolver finds keys for the addresses in keyed.
type staticResolver struct {
	keyed map[string]string
}

func (s staticResolver) Resolve(_ context.Context, addr string) (certstore.KeyLookup, error) {
	if fp, ok := s.keyed[addr]; ok {
		return certstore.KeyLookup{
			Status: certstore.Found,
			Key:    certstore.Key{Email: addr, Fingerprint: fp},
		}, nil
	}
	return certstore.KeyLookup{Status: certstore.NotFound, Reason: certstore.ReasonNoCertificate}, nil
}

// markCipher replaces the plaintext with a marker.
type markCipher struct{}

func (markCipher) Encrypt(_ []byte, keys []certstore.Key) ([]byte, error) {
	return []byte(fmt.Sprintf("-----BEGIN PGP MESSAGE-----\n%v keys\n-----END PGP MESSAGE-----\n", len(keys))), nil
}

// sleeps records requested delays without waiting.
type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newCoordinator(policy RetryPolicy, transports ...*fakeTransport) (*Coordinator, *sleeps) {
	s := &sleeps{}
	c := &Coordinator{
		Retry:  &policy,
		sleep:  s.sleep,
		random: func() float64 { return 0.5 },
	}
	for _, t := range transports {
		c.Accounts = append(c.Accounts, Account{Transport: t})
	}
	return c, s
}

func draft(to ...string) email.Draft {
	if len(to) == 0 {
		to = []string{"you@example.com"}
	}
	return email.Draft{
		From:    "me@example.com",
		To:      to,
		Subject: "status",
		Body:    []byte("all systems nominal"),
	}
}

var policy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   time.Second,
	Multiplier:  2,
	MaxDelay:    time.Minute,
}

func TestAlwaysUnavailableUsesEveryAttempt(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("%v attempts", n), func(t *testing.T) {
			p := policy
			p.MaxAttempts = n
			tr := &fakeTransport{name: "primary", outcomes: []transport.Outcome{busy}}
			c, s := newCoordinator(p, tr)

			res := c.Deliver(context.Background(), draft())

			assert.Equal(t, Failed, res.Outcome)
			assert.Equal(t, StateFailed, res.State)
			assert.Len(t, res.Attempts, n)
			assert.Equal(t, n, tr.calls())
			assert.Len(t, s.delays, n-1)
			assert.Equal(t, KindTransient, res.Kind())
			assert.True(t, errors.Is(res.Err, ErrTransient))
			assert.Contains(t, res.Err.Error(), "421")
			for i, a := range res.Attempts {
				assert.Equal(t, i+1, a.Index)
				assert.Equal(t, AttemptTransient, a.Outcome)
			}
		})
	}
}

func TestRetriesReuseTheSameBytes(t *testing.T) {
	const k = 3
	tr := &fakeTransport{
		name:     "primary",
		outcomes: []transport.Outcome{busy, busy, busy, transport.OK("queued-1")},
	}
	p := policy
	p.MaxAttempts = 5
	c, s := newCoordinator(p, tr)

	res := c.Deliver(context.Background(), draft())

	require.Equal(t, Succeeded, res.Outcome, "result: %v", res)
	assert.Len(t, res.Attempts, k+1)
	assert.Equal(t, []string{"queued-1"}, res.TransportIDs)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, s.delays)
	assert.Equal(t, KindNone, res.Kind())

	envs := tr.envelopes()
	require.Len(t, envs, k+1)
	for _, e := range envs[1:] {
		assert.Equal(t, envs[0].Data, e.Data)
	}
	assert.Equal(t, []string{"you@example.com"}, res.Delivered())

	expected := []State{
		StateEncrypting, StateSending,
		StateRetrying, StateSending,
		StateRetrying, StateSending,
		StateRetrying, StateSending,
		StateSucceeded,
	}
	var got []State
	for _, tr := range res.Transitions {
		got = append(got, tr.To)
	}
	assert.Equal(t, expected, got)
	assert.Equal(t, StateBuilding, res.Transitions[0].From)
}

func TestRequiredEncryptionWithoutKeyNeverSends(t *testing.T) {
	tr := &fakeTransport{name: "primary"}
	c, _ := newCoordinator(policy, tr)
	c.Encryptor = &crypt.Encryptor{
		Resolver: staticResolver{keyed: map[string]string{"you@example.com": "AAAA"}},
		Cipher:   markCipher{},
		Policy:   crypt.PolicyRequired,
	}

	res := c.Deliver(context.Background(), draft("you@example.com", "them@example.com"))

	assert.Equal(t, Failed, res.Outcome)
	assert.Zero(t, tr.calls())
	assert.Empty(t, res.Attempts)
	assert.Equal(t, KindEncryptionRequired, res.Kind())
	assert.Equal(t, 3, res.Kind().ExitCode())
	assert.True(t, errors.Is(res.Err, crypt.ErrEncryptionRequired))
}

func TestNoEncryptionSendsPlainBytes(t *testing.T) {
	tr := &fakeTransport{name: "primary"}
	c, _ := newCoordinator(policy, tr)
	c.Encryptor = &crypt.Encryptor{
		Resolver: staticResolver{keyed: map[string]string{"you@example.com": "AAAA"}},
		Cipher:   markCipher{},
		Policy:   crypt.PolicyNone,
	}

	msg, err := email.Compose(draft())
	require.NoError(t, err)
	plain, err := msg.Plain()
	require.NoError(t, err)

	res := c.DeliverMessage(context.Background(), msg)
	require.Equal(t, Succeeded, res.Outcome)

	envs := tr.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, plain, envs[0].Data)
	assert.Equal(t, msg.ID(), envs[0].MessageID)
	assert.False(t, res.Recipients[0].Encrypted)
}

func TestCancelDuringDelay(t *testing.T) {
	tr := &fakeTransport{name: "primary", outcomes: []transport.Outcome{busy}}
	c, _ := newCoordinator(policy, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res := c.Deliver(ctx, draft())

	assert.Equal(t, Cancelled, res.Outcome)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, 1, tr.calls())
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, AttemptTransient, res.Attempts[0].Outcome)
	assert.Equal(t, KindCancelled, res.Kind())
	assert.Equal(t, 130, res.Kind().ExitCode())

	last := res.Transitions[len(res.Transitions)-1]
	assert.Equal(t, StateRetrying, last.From)
	assert.Equal(t, StateCancelled, last.To)
}

func TestCancelDuringRealDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &fakeTransport{
		name:     "primary",
		outcomes: []transport.Outcome{busy},
		onSend: func(int) {
			time.AfterFunc(20*time.Millisecond, cancel)
		},
	}
	p := policy
	p.BaseDelay = time.Hour
	c := &Coordinator{Accounts: []Account{{Transport: tr}}, Retry: &p}

	done := make(chan Result)
	go func() { done <- c.Deliver(ctx, draft()) }()

	select {
	case res := <-done:
		assert.Equal(t, Cancelled, res.Outcome)
		assert.Len(t, res.Attempts, 1)
		assert.Equal(t, 1, tr.calls())
	case <-time.After(10 * time.Second):
		t.Fatal("cancellation didn't interrupt the retry delay")
	}
}

func TestCancelledBeforeSending(t *testing.T) {
	tr := &fakeTransport{name: "primary"}
	c, _ := newCoordinator(policy, tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := c.Deliver(ctx, draft())

	assert.Equal(t, Cancelled, res.Outcome)
	assert.Zero(t, tr.calls())
	assert.Empty(t, res.Attempts)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	tr := &fakeTransport{name: "primary", outcomes: []transport.Outcome{noSuchUser}}
	p := policy
	p.MaxAttempts = 10
	c, s := newCoordinator(p, tr)

	res := c.Deliver(context.Background(), draft())

	assert.Equal(t, Failed, res.Outcome)
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, AttemptTerminal, res.Attempts[0].Outcome)
	assert.Equal(t, 550, res.Attempts[0].Code)
	assert.Empty(t, s.delays)
	assert.Equal(t, KindPermanent, res.Kind())
}

func TestRecipientRejectionDoesNotFailOver(t *testing.T) {
	a := &fakeTransport{name: "a", outcomes: []transport.Outcome{noSuchUser}}
	b := &fakeTransport{name: "b"}
	c, _ := newCoordinator(policy, a, b)

	res := c.Deliver(context.Background(), draft())

	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 1, a.calls())
	assert.Zero(t, b.calls())
}

func TestInvalidDraft(t *testing.T) {
	tr := &fakeTransport{name: "primary"}
	c, _ := newCoordinator(policy, tr)

	res := c.Deliver(context.Background(), email.Draft{From: "me@example.com"})

	assert.Equal(t, Failed, res.Outcome)
	assert.Empty(t, res.Attempts)
	assert.Zero(t, tr.calls())
	assert.Equal(t, KindInvalidInput, res.Kind())
	assert.Equal(t, 2, res.Kind().ExitCode())
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, Transition{From: StateBuilding, To: StateFailed, At: res.Transitions[0].At}, res.Transitions[0])
}

func TestOpportunisticMixedRecipients(t *testing.T) {
	resolver := staticResolver{keyed: map[string]string{"keyed@example.com": "AAAA"}}

	t.Run("plaintext fallback", func(t *testing.T) {
		tr := &fakeTransport{name: "primary"}
		c, _ := newCoordinator(policy, tr)
		c.Encryptor = &crypt.Encryptor{Resolver: resolver, Cipher: markCipher{}, Policy: crypt.PolicyOpportunistic}

		res := c.Deliver(context.Background(), draft("keyed@example.com", "plain@example.com"))
		require.Equal(t, Succeeded, res.Outcome)

		envs := tr.envelopes()
		require.Len(t, envs, 2)
		assert.Equal(t, []string{"keyed@example.com"}, envs[0].To)
		assert.NotContains(t, string(envs[0].Data), "all systems nominal")
		assert.Equal(t, []string{"plain@example.com"}, envs[1].To)
		assert.Contains(t, string(envs[1].Data), "all systems nominal")

		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "plain@example.com")
		assert.True(t, res.Recipients[0].Encrypted)
		assert.False(t, res.Recipients[1].Encrypted)
		assert.Equal(t, []int{0, 1}, []int{res.Attempts[0].Rendering, res.Attempts[1].Rendering})
	})

	t.Run("skip fallback", func(t *testing.T) {
		tr := &fakeTransport{name: "primary"}
		c, _ := newCoordinator(policy, tr)
		c.Encryptor = &crypt.Encryptor{
			Resolver: resolver,
			Cipher:   markCipher{},
			Policy:   crypt.PolicyOpportunistic,
			Fallback: crypt.FallbackSkip,
		}

		res := c.Deliver(context.Background(), draft("keyed@example.com", "plain@example.com"))
		require.Equal(t, Succeeded, res.Outcome)

		envs := tr.envelopes()
		require.Len(t, envs, 1)
		assert.Equal(t, []string{"keyed@example.com"}, envs[0].To)
		assert.True(t, res.Recipients[1].Skipped)
		assert.False(t, res.Recipients[1].Delivered)
		assert.Equal(t, []string{"keyed@example.com"}, res.Delivered())
		assert.Len(t, res.Warnings, 1)
	})
}

func TestAuthRejectionFailsOver(t *testing.T) {
	a := &fakeTransport{name: "a", outcomes: []transport.Outcome{badLogin}}
	b := &fakeTransport{name: "b"}
	c, s := newCoordinator(policy, a, b)

	res := c.Deliver(context.Background(), draft())

	require.Equal(t, Succeeded, res.Outcome, "result: %v", res)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, "a", res.Attempts[0].Account)
	assert.Equal(t, "b", res.Attempts[1].Account)
	assert.Equal(t, 1, res.Attempts[1].AccountAttempt)
	assert.Equal(t, 1, a.calls())
	assert.Equal(t, 1, b.calls())
	assert.Empty(t, s.delays)
	assert.Equal(t, "b", res.Recipients[0].Account)
}

func TestExhaustedAccountFailsOver(t *testing.T) {
	a := &fakeTransport{name: "a", outcomes: []transport.Outcome{busy}}
	b := &fakeTransport{name: "b"}
	p := policy
	p.MaxAttempts = 2
	c, s := newCoordinator(p, a, b)

	res := c.Deliver(context.Background(), draft())

	require.Equal(t, Succeeded, res.Outcome)
	assert.Len(t, res.Attempts, 3)
	assert.Equal(t, 2, a.calls())
	assert.Equal(t, 1, b.calls())
	assert.Len(t, s.delays, 1)
}

func TestFailoverNotice(t *testing.T) {
	a := &fakeTransport{name: "a", outcomes: []transport.Outcome{badLogin}}
	b := &fakeTransport{name: "b"}
	c, _ := newCoordinator(policy, a, b)
	c.NotifyOnFailover = true

	res := c.Deliver(context.Background(), draft())
	require.Equal(t, Succeeded, res.Outcome)

	envs := b.envelopes()
	require.Len(t, envs, 2)
	assert.Contains(t, string(envs[0].Data), "Subject: email error")
	assert.Contains(t, string(envs[0].Data), "535")
	assert.Contains(t, string(envs[1].Data), "Subject: status")
	// The notice isn't an attempt of the delivery.
	assert.Len(t, res.Attempts, 2)
}

func TestNoFailoverNoticeAfterCancel(t *testing.T) {
	a := &fakeTransport{name: "a", outcomes: []transport.Outcome{badLogin}}
	b := &fakeTransport{name: "b"}
	c, _ := newCoordinator(policy, a, b)
	c.NotifyOnFailover = true

	// Cancel once the first account is given up on, before the second one
	// is used.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Sink = events.Func(func(_ context.Context, e events.Event) {
		if e.Type == events.TypeTransition && e.To == string(StateRetrying) {
			cancel()
		}
	})

	res := c.Deliver(ctx, draft())

	assert.Equal(t, Cancelled, res.Outcome)
	assert.Equal(t, 1, a.calls())
	assert.Zero(t, b.calls())
	assert.Len(t, res.Attempts, 1)
}

func TestAccountEnvelopeSender(t *testing.T) {
	tr := &fakeTransport{name: "primary"}
	c, _ := newCoordinator(policy)
	c.Accounts = []Account{{Transport: tr, From: "bounces@example.com"}}

	res := c.Deliver(context.Background(), draft())
	require.Equal(t, Succeeded, res.Outcome)
	assert.Equal(t, "bounces@example.com", tr.envelopes()[0].From)
}

func TestNoAccounts(t *testing.T) {
	c, _ := newCoordinator(policy)
	res := c.Deliver(context.Background(), draft())
	assert.Equal(t, Failed, res.Outcome)
	assert.True(t, errors.Is(res.Err, ErrNoAccounts))
	assert.Equal(t, 1, res.Kind().ExitCode())
}

func TestInvalidRetryPolicy(t *testing.T) {
	tr := &fakeTransport{name: "primary"}
	c, _ := newCoordinator(RetryPolicy{MaxAttempts: 0, Multiplier: 1}, tr)
	res := c.Deliver(context.Background(), draft())
	assert.Equal(t, Failed, res.Outcome)
	assert.Zero(t, tr.calls())
}

type memRecorder struct {
	results []Result
}

func (m *memRecorder) Record(ctx context.Context, r Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.results = append(m.results, r)
	return nil
}

func TestRecorderAndEvents(t *testing.T) {
	tr := &fakeTransport{name: "primary", outcomes: []transport.Outcome{busy, transport.OK("id-1")}}
	c, _ := newCoordinator(policy, tr)
	rec := &memRecorder{}
	c.Recorder = rec

	var mu sync.Mutex
	var got []events.Event
	c.Sink = events.Func(func(_ context.Context, e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	res := c.Deliver(context.Background(), draft())
	require.Equal(t, Succeeded, res.Outcome)

	require.Len(t, rec.results, 1)
	assert.Equal(t, res.MessageID, rec.results[0].MessageID)

	var types []string
	for _, e := range got {
		assert.Equal(t, res.MessageID, e.MessageID)
		types = append(types, string(e.Type))
	}
	assert.Equal(t,
		"transition transition attempt transition transition attempt transition result",
		strings.Join(types, " "),
	)
	assert.Equal(t, time.Second, got[2].Delay)
}

func TestConcurrentDeliveries(t *testing.T) {
	a := &fakeTransport{name: "a"}
	b := &fakeTransport{name: "b"}
	c := &Coordinator{
		Accounts: []Account{{Transport: a}, {Transport: b}},
		Shuffle:  true,
	}

	var wg sync.WaitGroup
	results := make([]Result, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Deliver(context.Background(), draft(fmt.Sprintf("r%v@example.com", i)))
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		assert.Equal(t, Succeeded, res.Outcome)
		assert.Len(t, res.Attempts, 1)
	}
	assert.Equal(t, len(results), a.calls()+b.calls())
}
