// Package dispatch models the hosting platform's asynchronous remote-call
// primitive: an ordered chain of actions against external accounts with a
// single terminal callback. Actions within one chain execute in declared
// order, the first failure short-circuits the remainder, and the callback is
// invoked exactly once with the aggregate outcome.
package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"marketchain/observability"
)

// ActionKind enumerates the remote primitives a chain may compose.
type ActionKind uint8

const (
	KindCreateAccount ActionKind = iota
	KindAddAccessKey
	KindTransfer
	KindDeployCode
	KindCall
)

func (k ActionKind) String() string {
	switch k {
	case KindCreateAccount:
		return "create_account"
	case KindAddAccessKey:
		return "add_access_key"
	case KindTransfer:
		return "transfer"
	case KindDeployCode:
		return "deploy_code"
	case KindCall:
		return "call"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Action is one named remote step applied to a target account.
type Action struct {
	Kind      ActionKind
	Target    string
	Amount    *big.Int
	PublicKey string
	Code      []byte
	Method    string
	Args      []byte
}

// Outcome reports the aggregate result of a chain. Payload carries the return
// value of the final action when Ok is true.
type Outcome struct {
	Ok      bool
	Payload []byte
	Err     string
}

// Callback consumes the single result slot of a previously submitted chain.
type Callback func(id string, out Outcome)

// Executor performs one action against the remote platform and returns its
// payload. Implementations own the transport and the per-action budget.
type Executor interface {
	Execute(ctx context.Context, act Action) ([]byte, error)
}

// Dispatcher is the submission surface the engine depends on. The production
// implementation is *Scheduler; tests substitute a manual dispatcher to drive
// callbacks deterministically.
type Dispatcher interface {
	Submit(chain Chain, cb Callback) (string, error)
}

// Chain is an ordered action sequence bound for a single callback.
type Chain struct {
	Actions []Action
}

// Builder assembles a chain against one target account, mirroring the
// platform's causally-ordered promise composition.
type Builder struct {
	target  string
	actions []Action
}

// NewChain starts a chain whose actions apply to the given account.
func NewChain(target string) *Builder {
	return &Builder{target: target}
}

func (b *Builder) CreateAccount() *Builder {
	b.actions = append(b.actions, Action{Kind: KindCreateAccount, Target: b.target})
	return b
}

func (b *Builder) AddAccessKey(publicKey string) *Builder {
	b.actions = append(b.actions, Action{Kind: KindAddAccessKey, Target: b.target, PublicKey: publicKey})
	return b
}

func (b *Builder) Transfer(amount *big.Int) *Builder {
	amt := big.NewInt(0)
	if amount != nil {
		amt = new(big.Int).Set(amount)
	}
	b.actions = append(b.actions, Action{Kind: KindTransfer, Target: b.target, Amount: amt})
	return b
}

func (b *Builder) DeployCode(code []byte) *Builder {
	b.actions = append(b.actions, Action{Kind: KindDeployCode, Target: b.target, Code: append([]byte(nil), code...)})
	return b
}

func (b *Builder) Call(method string, args []byte) *Builder {
	b.actions = append(b.actions, Action{Kind: KindCall, Target: b.target, Method: method, Args: append([]byte(nil), args...)})
	return b
}

// Build finalises the chain.
func (b *Builder) Build() Chain {
	return Chain{Actions: append([]Action(nil), b.actions...)}
}

var errSchedulerClosed = errors.New("dispatch: scheduler closed")

// ErrQueueFull signals backpressure: the submission queue is at capacity and
// the chain was not accepted. Callers undo any local bookkeeping and surface
// the error; no side effect has happened remotely.
var ErrQueueFull = errors.New("dispatch: scheduler queue full")

const queueDepth = 128

type job struct {
	id    string
	chain Chain
	cb    Callback
}

// Scheduler executes submitted chains on a single worker so that callback
// delivery is serialized, matching the platform's single-writer execution
// model. Each chain's callback fires exactly once.
type Scheduler struct {
	executor Executor
	logger   *slog.Logger
	metrics  *observability.DispatchMetrics
	queue    chan job
	seq      atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewScheduler creates a scheduler backed by the given executor. Run must be
// called before submitted chains make progress.
func NewScheduler(executor Executor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		executor: executor,
		logger:   logger,
		metrics:  observability.Dispatch(),
		queue:    make(chan job, queueDepth),
		done:     make(chan struct{}),
	}
}

// Submit enqueues a chain and returns its correlation identifier. The callback
// will be invoked exactly once from the scheduler's worker. Submit never
// blocks: callers hold locks the worker's callbacks need, so a full queue is
// reported as ErrQueueFull instead of waiting for the worker to drain it.
func (s *Scheduler) Submit(chain Chain, cb Callback) (string, error) {
	if len(chain.Actions) == 0 {
		return "", fmt.Errorf("dispatch: empty chain")
	}
	if cb == nil {
		return "", fmt.Errorf("dispatch: nil callback")
	}
	select {
	case <-s.done:
		return "", errSchedulerClosed
	default:
	}
	id := s.nextID(chain)
	select {
	case s.queue <- job{id: id, chain: chain, cb: cb}:
		s.metrics.RecordSubmit(chainTarget(chain))
		return id, nil
	default:
		return "", ErrQueueFull
	}
}

// Run drains the queue until the context is canceled or Close is called.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case j := <-s.queue:
			s.execute(ctx, j)
		}
	}
}

// Close stops accepting new chains. Chains already queued but not executed are
// dropped; their side effects never happened, so resubmission is safe.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Scheduler) execute(ctx context.Context, j job) {
	start := time.Now()
	target := chainTarget(j.chain)
	var payload []byte
	for i, act := range j.chain.Actions {
		result, err := s.executor.Execute(ctx, act)
		if err != nil {
			s.logger.Warn("chain action failed",
				"id", j.id,
				"step", i,
				"kind", act.Kind.String(),
				"target", act.Target,
				"err", err)
			j.cb(j.id, Outcome{Ok: false, Err: err.Error()})
			s.metrics.RecordComplete(target, false, time.Since(start))
			return
		}
		payload = result
	}
	j.cb(j.id, Outcome{Ok: true, Payload: payload})
	s.metrics.RecordComplete(target, true, time.Since(start))
}

func chainTarget(chain Chain) string {
	if len(chain.Actions) == 0 {
		return ""
	}
	return chain.Actions[0].Target
}

func (s *Scheduler) nextID(chain Chain) string {
	seq := s.seq.Add(1)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(seq >> (8 * (7 - i)))
	}
	digest := ethcrypto.Keccak256(buf[:], []byte(chainTarget(chain)))
	return hex.EncodeToString(digest[:16])
}
