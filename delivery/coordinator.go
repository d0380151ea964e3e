package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaymail/crypt"
	"github.com/ptgott/relaymail/email"
	"github.com/ptgott/relaymail/events"
	"github.com/ptgott/relaymail/transport"
)

// Account is a transport plus the envelope sender to use with it.
type Account struct {
	Transport transport.Transport
	// From overrides the envelope sender. Defaults to the message's From
	// address.
	From string
}

// Recorder keeps finished results, e.g., in a journal.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

// Coordinator delivers messages. The zero value isn't usable: at least one
// Account is needed. A Coordinator keeps no per-delivery state, so one
// Coordinator may run any number of deliveries at once.
type Coordinator struct {
	Accounts []Account
	// Encryptor defaults to one that never encrypts.
	Encryptor *crypt.Encryptor
	// Retry defaults to DefaultRetryPolicy.
	Retry *RetryPolicy
	// Sink defaults to events.Noop.
	Sink events.Sink
	// Shuffle tries accounts in random order.
	Shuffle bool
	// NotifyOnFailover sends the recipients a short notice about the
	// failure through the next account before retrying there.
	NotifyOnFailover bool
	// Recorder is optional.
	Recorder Recorder

	// Tests replace these.
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// Deliver builds a message from d and delivers it.
func (c *Coordinator) Deliver(ctx context.Context, d email.Draft) Result {
	run := c.start("")
	msg, err := email.Compose(d)
	if err != nil {
		return c.finish(ctx, run, StateFailed, err)
	}
	return c.deliver(ctx, run, msg)
}

// DeliverMessage delivers a message that's already been built.
func (c *Coordinator) DeliverMessage(ctx context.Context, msg email.Message) Result {
	return c.deliver(ctx, c.start(msg.ID()), msg)
}

// run is the state of one delivery.
type run struct {
	res   Result
	state State
	// Recipient index by address.
	index map[string]int
}

func (c *Coordinator) start(messageID string) *run {
	return &run{
		state: StateBuilding,
		res: Result{
			MessageID: messageID,
			State:     StateBuilding,
			Started:   time.Now(),
		},
	}
}

func (c *Coordinator) deliver(ctx context.Context, r *run, msg email.Message) Result {
	r.res.MessageID = msg.ID()
	r.res.Subject = msg.Subject()
	r.index = make(map[string]int)
	for i, a := range msg.Addresses() {
		r.res.Recipients = append(r.res.Recipients, RecipientStatus{Address: a})
		r.index[a] = i
	}

	if err := c.retryPolicy().Validate(); err != nil {
		return c.finish(ctx, r, StateFailed, fmt.Errorf("invalid retry policy: %v", err))
	}
	if len(c.Accounts) == 0 {
		return c.finish(ctx, r, StateFailed, ErrNoAccounts)
	}

	c.transition(ctx, r, StateEncrypting)
	out, err := c.Encryptor.Seal(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return c.finish(ctx, r, StateCancelled, fmt.Errorf("%w: %v", ErrCancelled, err))
		}
		return c.finish(ctx, r, StateFailed, err)
	}
	for _, w := range out.Warnings {
		r.res.Warnings = append(r.res.Warnings, w.String())
		e := events.New(events.TypeWarning, r.res.MessageID)
		e.Recipient = w.Recipient
		e.Message = w.Message
		c.sink().Emit(ctx, e)
	}
	for _, a := range out.Skipped {
		r.res.Recipients[r.index[a]].Skipped = true
	}

	c.transition(ctx, r, StateSending)
	accounts := c.accountOrder()
	for i, rendering := range out.Renderings {
		for _, a := range rendering.Recipients {
			r.res.Recipients[r.index[a]].Encrypted = rendering.Encrypted
		}
		if final, err := c.send(ctx, r, msg, i, rendering, accounts); final != "" {
			return c.finish(ctx, r, final, err)
		}
	}
	return c.finish(ctx, r, StateSucceeded, nil)
}

// send delivers one rendering, trying each account in turn. It returns a
// terminal state if the delivery has to stop.
func (c *Coordinator) send(
	ctx context.Context,
	r *run,
	msg email.Message,
	idx int,
	rendering crypt.Rendering,
	accounts []Account,
) (State, error) {
	policy := c.retryPolicy()
	var lastErr error

	for ai, acct := range accounts {
		more := ai+1 < len(accounts)
		env := transport.Envelope{
			MessageID: msg.ID(),
			From:      acct.From,
			To:        rendering.Recipients,
			// The same bytes for every attempt. Nothing is re-rendered or
			// re-encrypted after this point.
			Data: rendering.Data,
		}
		if env.From == "" {
			env.From = msg.From().Address
		}

		if ai > 0 && c.NotifyOnFailover && ctx.Err() == nil {
			c.notify(ctx, msg, acct, rendering.Recipients, lastErr)
		}

	attempts:
		for n := 1; ; n++ {
			if err := ctx.Err(); err != nil {
				return StateCancelled, fmt.Errorf("%w: %v", ErrCancelled, err)
			}

			start := time.Now()
			o := acct.Transport.Send(ctx, env)
			cancelled := o.Status != transport.Accepted && ctx.Err() != nil
			a := Attempt{
				Index:          len(r.res.Attempts) + 1,
				AccountAttempt: n,
				Account:        acct.Transport.Name(),
				Rendering:      idx,
				Started:        start,
				Duration:       time.Since(start),
				Outcome:        attemptOutcome(o, cancelled),
				Reason:         string(o.Reason),
				Code:           o.Code,
				TransportID:    o.ID,
			}
			if o.Err != nil {
				a.Error = o.Err.Error()
			}

			switch {
			case o.Status == transport.Accepted:
				c.record(ctx, r, a)
				for _, addr := range rendering.Recipients {
					rs := &r.res.Recipients[r.index[addr]]
					rs.Delivered = true
					rs.Account = a.Account
					rs.TransportID = o.ID
				}
				if o.ID != "" {
					r.res.TransportIDs = append(r.res.TransportIDs, o.ID)
				}
				return "", nil

			case cancelled:
				c.record(ctx, r, a)
				return StateCancelled, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())

			case o.Status == transport.Rejected:
				c.record(ctx, r, a)
				lastErr = fmt.Errorf("%w via %v: %v", ErrPermanent, a.Account, describe(o))
				if !o.Reason.AccountScoped() || !more {
					return StateFailed, lastErr
				}
				c.failover(ctx, r, a)
				break attempts
			}

			lastErr = fmt.Errorf("%w via %v: %v", ErrTransient, a.Account, describe(o))
			if n >= policy.MaxAttempts {
				c.record(ctx, r, a)
				if !more {
					return StateFailed, lastErr
				}
				c.failover(ctx, r, a)
				break attempts
			}

			a.Delay = policy.Delay(n, c.rand())
			c.record(ctx, r, a)
			c.transition(ctx, r, StateRetrying)
			if err := c.wait(ctx, a.Delay); err != nil {
				return StateCancelled, fmt.Errorf("%w: %v", ErrCancelled, err)
			}
			c.transition(ctx, r, StateSending)
		}
	}
	// Only reachable without accounts, which deliver rules out.
	return StateFailed, ErrNoAccounts
}

// failover moves on to the next account right away. Its budget is fresh,
// so there's nothing to wait for.
func (c *Coordinator) failover(ctx context.Context, r *run, last Attempt) {
	log.Info().
		Str("messageId", r.res.MessageID).
		Str("account", last.Account).
		Str("outcome", string(last.Outcome)).
		Str("reason", last.Reason).
		Msg("failing over to the next account")
	c.transition(ctx, r, StateRetrying)
	c.transition(ctx, r, StateSending)
}

// notify sends a best-effort notice about err to recipients through acct.
// Its outcome doesn't affect the delivery.
func (c *Coordinator) notify(ctx context.Context, msg email.Message, acct Account, to []string, err error) {
	notice, cerr := email.Compose(email.Draft{
		From:    msg.From().String(),
		To:      to,
		Subject: "email error",
		Body: []byte(fmt.Sprintf(
			"Sending message %v (%q) failed and is being retried with another account.\n\n%v\n",
			msg.ID(), msg.Subject(), err,
		)),
	})
	if cerr != nil {
		log.Warn().Err(cerr).Msg("can't build the failover notice")
		return
	}
	out, cerr := c.Encryptor.Seal(ctx, notice)
	if cerr != nil {
		log.Warn().Err(cerr).Msg("can't seal the failover notice")
		return
	}
	from := acct.From
	if from == "" {
		from = msg.From().Address
	}
	for _, rendering := range out.Renderings {
		if ctx.Err() != nil {
			return
		}
		o := acct.Transport.Send(ctx, transport.Envelope{
			MessageID: notice.ID(),
			From:      from,
			To:        rendering.Recipients,
			Data:      rendering.Data,
		})
		if o.Status != transport.Accepted {
			log.Warn().
				Str("account", acct.Transport.Name()).
				Str("outcome", o.String()).
				Msg("failover notice not sent")
		}
	}
}

func describe(o transport.Outcome) string {
	s := string(o.Reason)
	if o.Code != 0 {
		s = fmt.Sprintf("%v %v", o.Code, s)
	}
	if o.Err != nil {
		s += ": " + o.Err.Error()
	}
	return s
}

func (c *Coordinator) record(ctx context.Context, r *run, a Attempt) {
	r.res.Attempts = append(r.res.Attempts, a)
	e := events.New(events.TypeAttempt, r.res.MessageID)
	e.Account = a.Account
	e.Attempt = a.Index
	e.Rendering = a.Rendering
	e.Outcome = string(a.Outcome)
	e.Reason = a.Reason
	e.Code = a.Code
	e.Delay = a.Delay
	e.Message = a.Error
	c.sink().Emit(ctx, e)
}

func (c *Coordinator) transition(ctx context.Context, r *run, to State) {
	t := Transition{From: r.state, To: to, At: time.Now()}
	r.res.Transitions = append(r.res.Transitions, t)
	r.state = to
	r.res.State = to

	e := events.New(events.TypeTransition, r.res.MessageID)
	e.From = string(t.From)
	e.To = string(t.To)
	c.sink().Emit(ctx, e)
}

func (c *Coordinator) finish(ctx context.Context, r *run, final State, err error) Result {
	c.transition(ctx, r, final)
	switch final {
	case StateSucceeded:
		r.res.Outcome = Succeeded
	case StateCancelled:
		r.res.Outcome = Cancelled
	default:
		r.res.Outcome = Failed
	}
	r.res.Err = err
	if err != nil {
		r.res.ErrorText = err.Error()
	}
	r.res.Finished = time.Now()

	e := events.New(events.TypeResult, r.res.MessageID)
	e.Outcome = string(r.res.Outcome)
	e.Message = r.res.ErrorText
	c.sink().Emit(ctx, e)

	if c.Recorder != nil {
		if rerr := c.Recorder.Record(context.WithoutCancel(ctx), r.res); rerr != nil {
			log.Warn().Err(rerr).Str("messageId", r.res.MessageID).Msg("can't record the delivery result")
		}
	}
	return r.res
}

// accountOrder returns the accounts in the order to try them.
func (c *Coordinator) accountOrder() []Account {
	accounts := append([]Account(nil), c.Accounts...)
	if c.Shuffle {
		c.mu.Lock()
		c.source().Shuffle(len(accounts), func(i, j int) {
			accounts[i], accounts[j] = accounts[j], accounts[i]
		})
		c.mu.Unlock()
	}
	return accounts
}

func (c *Coordinator) rand() float64 {
	if c.random != nil {
		return c.random()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source().Float64()
}

// source must be called with c.mu held.
func (c *Coordinator) source() *rand.Rand {
	if c.rnd == nil {
		c.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return c.rnd
}

func (c *Coordinator) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	return sleep(ctx, d)
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) retryPolicy() RetryPolicy {
	if c.Retry == nil {
		return DefaultRetryPolicy
	}
	return *c.Retry
}

func (c *Coordinator) sink() events.Sink {
	if c.Sink == nil {
		return events.Noop{}
	}
	return c.Sink
}
