package dispatch

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/invoice-reconciler/internal/artifact"
	"github.com/xenking/invoice-reconciler/internal/domain/order"
	"github.com/xenking/invoice-reconciler/internal/domain/payment"
	"github.com/xenking/invoice-reconciler/internal/envelope"
	"github.com/xenking/invoice-reconciler/internal/queue"
	"github.com/xenking/invoice-reconciler/internal/queue/memq"
	"github.com/xenking/invoice-reconciler/internal/storage/memory"
)

// --- Test doubles ---

// scriptedOracle replays a fixed sequence of results; the last one repeats.
type scriptedOracle struct {
	mu      sync.Mutex
	results []payment.Result
	err     error
	calls   int
}

func (o *scriptedOracle) Decide(_ context.Context, _ string) (payment.Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return "", o.err
	}
	i := min(o.calls-1, len(o.results)-1)
	return o.results[i], nil
}

func (o *scriptedOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *recordingNotifier) Publish(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) count(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.messages {
		if strings.Contains(m, substr) {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

func pendingCount(n *recordingNotifier) int  { return n.count("being processed") }
func approvalCount(n *recordingNotifier) int { return n.count("completed successfully") }
func denialCount(n *recordingNotifier) int   { return n.count("not approved") }

// countingRepo counts successful status writes per target.
type countingRepo struct {
	order.Repository

	mu        sync.Mutex
	writes    map[order.Status]int
	setErr    error
	getErr    error
	beforeSet func()
}

func newCountingRepo() *countingRepo {
	return &countingRepo{
		Repository: memory.NewOrderRepository(),
		writes:     make(map[order.Status]int),
	}
}

func (r *countingRepo) Get(ctx context.Context, id string) (*order.Order, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	return r.Repository.Get(ctx, id)
}

func (r *countingRepo) SetStatus(ctx context.Context, id string, to order.Status) error {
	if r.beforeSet != nil {
		r.beforeSet()
	}
	if r.setErr != nil {
		return r.setErr
	}
	if err := r.Repository.SetStatus(ctx, id, to); err != nil {
		return err
	}
	r.mu.Lock()
	r.writes[to]++
	r.mu.Unlock()
	return nil
}

func (r *countingRepo) Writes(to order.Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes[to]
}

// countingProducer records enqueued messages.
type countingProducer struct {
	mu   sync.Mutex
	msgs []queue.Message
	err  error
}

func (p *countingProducer) Enqueue(_ context.Context, msg queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *countingProducer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

// --- Fixture ---

type fixture struct {
	repo      *countingRepo
	oracle    *scriptedOracle
	notifier  *recordingNotifier
	artifacts *artifact.MemoryStore
	queue     *memq.Queue
	svc       *order.Service
	d         *Dispatcher
}

func newFixture(t *testing.T, maxAttempts int, results ...payment.Result) *fixture {
	t.Helper()
	f := &fixture{
		repo:      newCountingRepo(),
		oracle:    &scriptedOracle{results: results},
		notifier:  &recordingNotifier{},
		artifacts: artifact.NewMemoryStore(),
		queue:     memq.New(memq.Options{WaitTime: 10 * time.Millisecond, PollInterval: time.Millisecond}),
	}
	f.svc = order.NewService(f.repo, NewScheduler(f.queue))

	d, err := New(Deps{
		Orders:    f.repo,
		Oracle:    f.oracle,
		Producer:  f.queue,
		Artifacts: f.artifacts,
		Notifier:  f.notifier,
	}, Config{MaxAttempts: maxAttempts})
	require.NoError(t, err)
	f.d = d
	return f
}

func (f *fixture) placeOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderRequest{
		Customer: order.Customer{FullName: "Ana Souza", Email: "ana@example.com", TaxID: "12345678901"},
		Items: []order.LineItem{
			{Name: "Keyboard", UnitPrice: decimal.RequireFromString("149.90"), Quantity: 2},
			{Name: "Mouse pad", UnitPrice: decimal.RequireFromString("25"), Quantity: 1},
		},
	})
	require.NoError(t, err)
	return o
}

// drain runs cycles until the queue is empty, acknowledging as the worker
// does. It returns the attempts observed, in order.
func (f *fixture) drain(t *testing.T) []int {
	t.Helper()
	ctx := context.Background()
	var attempts []int
	for i := 0; f.queue.Len() > 0; i++ {
		require.Less(t, i, 100, "queue did not drain")
		deliveries, err := f.queue.Receive(ctx)
		require.NoError(t, err)
		for _, d := range deliveries {
			env, err := envelope.Decode(d.Body)
			require.NoError(t, err)
			attempts = append(attempts, env.Attempt)

			err = f.d.Handle(ctx, d.Body)
			require.True(t, err == nil || IsPermanent(err), "unexpected transient error: %v", err)
			require.NoError(t, f.queue.Ack(ctx, d))
		}
	}
	return attempts
}

func (f *fixture) status(t *testing.T, id string) order.Status {
	t.Helper()
	o, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func encode(t *testing.T, id string, attempt int) []byte {
	t.Helper()
	body, err := envelope.Encode(envelope.Envelope{OrderID: id, Status: payment.Pending, Attempt: attempt})
	require.NoError(t, err)
	return body
}

// --- Scenarios ---

func TestScenario_PendingUntilExhausted(t *testing.T) {
	f := newFixture(t, 5,
		payment.Pending, payment.Pending, payment.Pending, payment.Pending, payment.Pending)
	o := f.placeOrder(t)

	attempts := f.drain(t)

	assert.Equal(t, []int{1, 2, 3, 4}, attempts)
	assert.Equal(t, order.StatusDenied, f.status(t, o.ID))
	assert.Equal(t, 1, pendingCount(f.notifier))
	assert.Equal(t, 1, denialCount(f.notifier))
	assert.Equal(t, 0, approvalCount(f.notifier))
	assert.Equal(t, 0, f.artifacts.Len())
}

func TestScenario_PendingThenApproved(t *testing.T) {
	f := newFixture(t, 5, payment.Pending, payment.Approved)
	o := f.placeOrder(t)

	attempts := f.drain(t)

	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, order.StatusApproved, f.status(t, o.ID))
	assert.Equal(t, 1, pendingCount(f.notifier))
	assert.Equal(t, 1, approvalCount(f.notifier))
	assert.Equal(t, 0, denialCount(f.notifier))

	obj, ok := f.artifacts.Get(artifact.InvoiceKey(o.ID))
	require.True(t, ok)
	assert.Equal(t, artifact.ContentType, obj.ContentType)
	assert.Contains(t, string(obj.Body), "Keyboard - (R$149,90 x 2) - R$299,80")
	assert.Contains(t, string(obj.Body), "Mouse pad")
	assert.Contains(t, string(obj.Body), "Total: R$324,80")
	assert.Equal(t, 1, f.notifier.count("memory://"+o.ID+".txt"))
}

func TestScenario_DeniedFirst(t *testing.T) {
	f := newFixture(t, 5, payment.Denied)
	o := f.placeOrder(t)

	attempts := f.drain(t)

	assert.Equal(t, []int{1}, attempts)
	assert.Equal(t, order.StatusDenied, f.status(t, o.ID))
	assert.Equal(t, 0, pendingCount(f.notifier))
	assert.Equal(t, 1, denialCount(f.notifier))
	assert.Equal(t, 0, f.artifacts.Len())
	assert.Equal(t, 0, f.repo.Writes(order.StatusPending))
}

func TestScenario_ConcurrentDuplicateFinalize(t *testing.T) {
	f := newFixture(t, 5, payment.Approved)
	o := f.placeOrder(t)
	require.NoError(t, f.repo.Repository.SetStatus(context.Background(), o.ID, order.StatusPending))

	// Hold both handlers at the status write so they race on it.
	var ready sync.WaitGroup
	ready.Add(2)
	release := make(chan struct{})
	f.repo.beforeSet = func() {
		ready.Done()
		<-release
	}

	body := encode(t, o.ID, 3)
	errs := make(chan error, 2)
	for range 2 {
		go func() { errs <- f.d.Handle(context.Background(), body) }()
	}
	ready.Wait()
	close(release)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, 1, f.repo.Writes(order.StatusApproved))
	assert.Equal(t, 1, approvalCount(f.notifier))
	assert.Equal(t, 1, f.artifacts.Len())
	assert.Equal(t, order.StatusApproved, f.status(t, o.ID))
}

// --- Failure handling ---

func TestHandle_Malformed(t *testing.T) {
	f := newFixture(t, 5, payment.Approved)

	err := f.d.Handle(context.Background(), []byte(`{"id":"x","status":"MAYBE","attempt":1}`))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, envelope.ErrMalformed)
	assert.Equal(t, 0, f.oracle.Calls())
}

func TestHandle_OrderNotFound(t *testing.T) {
	f := newFixture(t, 5, payment.Approved)

	err := f.d.Handle(context.Background(), encode(t, "3f1c8a52-0d6e-4b55-9c7e-5a1d2b3c4d5e", 1))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestHandle_OracleErrorIsTransient(t *testing.T) {
	f := newFixture(t, 5, payment.Approved)
	o := f.placeOrder(t)
	f.oracle.err = errors.New("gateway timeout")

	err := f.d.Handle(context.Background(), encode(t, o.ID, 2))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, order.StatusCreated, f.status(t, o.ID))
	assert.Equal(t, 0, f.notifier.total())
}

func TestHandle_UnknownOracleResult(t *testing.T) {
	f := newFixture(t, 5, payment.Result("REFUNDED"))
	o := f.placeOrder(t)

	err := f.d.Handle(context.Background(), encode(t, o.ID, 1))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, payment.ErrUnknownResult)
	assert.Equal(t, order.StatusCreated, f.status(t, o.ID))
}

func TestHandle_StoreErrorIsTransient(t *testing.T) {
	f := newFixture(t, 5, payment.Approved)
	o := f.placeOrder(t)
	f.repo.setErr = errors.New("connection reset")

	err := f.d.Handle(context.Background(), encode(t, o.ID, 1))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 0, f.notifier.total())
	assert.Equal(t, 0, f.artifacts.Len())
}

func TestHandle_RequeueFailureKeepsAttempt(t *testing.T) {
	repo := newCountingRepo()
	producer := &countingProducer{err: errors.New("queue unavailable")}
	notifier := &recordingNotifier{}
	d, err := New(Deps{
		Orders:    repo,
		Oracle:    &scriptedOracle{results: []payment.Result{payment.Pending}},
		Producer:  producer,
		Artifacts: artifact.NewMemoryStore(),
		Notifier:  notifier,
	}, Config{})
	require.NoError(t, err)

	svc := order.NewService(repo, NewScheduler(&countingProducer{}))
	o, err := svc.PlaceOrder(context.Background(), order.PlaceOrderRequest{
		Customer: order.Customer{FullName: "Ana Souza", Email: "ana@example.com", TaxID: "12345678901"},
		Items:    []order.LineItem{{Name: "Cable", UnitPrice: decimal.NewFromInt(5), Quantity: 1}},
	})
	require.NoError(t, err)

	body := encode(t, o.ID, 1)
	err = d.Handle(context.Background(), body)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	// Redelivery of the same attempt succeeds without a second pending notice.
	producer.err = nil
	require.NoError(t, d.Handle(context.Background(), body))
	assert.Equal(t, 1, pendingCount(notifier))
	require.Equal(t, 1, producer.Len())

	next, err := envelope.Decode(producer.msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, o.ID, producer.msgs[0].GroupKey)
	assert.NotEmpty(t, producer.msgs[0].DedupKey)
}

func TestHandle_LargestAttemptFinalizes(t *testing.T) {
	f := newFixture(t, 5, payment.Pending)
	o := f.placeOrder(t)
	before := f.queue.Len()

	require.NoError(t, f.d.Handle(context.Background(), encode(t, o.ID, math.MaxInt)))
	assert.Equal(t, order.StatusDenied, f.status(t, o.ID))
	assert.Equal(t, 1, denialCount(f.notifier))
	assert.Equal(t, before, f.queue.Len())

	// Redelivery is a no-op on the final order.
	require.NoError(t, f.d.Handle(context.Background(), encode(t, o.ID, math.MaxInt)))
	assert.Equal(t, 1, f.repo.Writes(order.StatusDenied))
	assert.Equal(t, 1, f.oracle.Calls())
}

func TestHandle_DuplicateFirstAttemptSendsOnePendingNotice(t *testing.T) {
	f := newFixture(t, 5, payment.Pending)
	o := f.placeOrder(t)
	body := encode(t, o.ID, 1)

	require.NoError(t, f.d.Handle(context.Background(), body))
	require.NoError(t, f.d.Handle(context.Background(), body))

	assert.Equal(t, 1, pendingCount(f.notifier))
	assert.Equal(t, 1, f.repo.Writes(order.StatusPending))
	assert.Equal(t, order.StatusPending, f.status(t, o.ID))
}

func TestHandle_PendingNoticeFailureStillRequeues(t *testing.T) {
	f := newFixture(t, 5, payment.Pending)
	o := f.placeOrder(t)
	f.notifier.err = errors.New("sns throttled")
	before := f.queue.Len()

	require.NoError(t, f.d.Handle(context.Background(), encode(t, o.ID, 1)))
	assert.Equal(t, order.StatusPending, f.status(t, o.ID))
	assert.Equal(t, before+1, f.queue.Len())
}

func TestHandle_NoticeFailureAfterFinalizeIsPermanent(t *testing.T) {
	f := newFixture(t, 5, payment.Denied)
	o := f.placeOrder(t)
	f.notifier.err = errors.New("sns throttled")

	err := f.d.Handle(context.Background(), encode(t, o.ID, 1))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, order.StatusDenied, f.status(t, o.ID))
}

func TestScheduler(t *testing.T) {
	p := &countingProducer{}
	s := NewScheduler(p)

	require.NoError(t, s.Schedule(context.Background(), "o-1"))
	require.NoError(t, s.Schedule(context.Background(), "o-1"))
	require.Equal(t, 2, p.Len())

	env, err := envelope.Decode(p.msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, envelope.Envelope{OrderID: "o-1", Status: payment.Pending, Attempt: 1}, env)
	assert.Equal(t, "o-1", p.msgs[0].GroupKey)
	assert.NotEqual(t, p.msgs[0].DedupKey, p.msgs[1].DedupKey)
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))

	base := errors.New("boom")
	err := errors.Wrap(Permanent(base), "context")
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
