package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ef-ds/deque"
	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/protocol"
)

const (
	defaultWorkers    = 4
	defaultMaxRetries = 5
	defaultRetryBase  = 50 * time.Millisecond
	defaultMaxHold    = 2 * time.Minute
	defaultMaxQueued  = 1024
)

// errExpired is reported for frames that waited longer than MaxHold for their link.
var errExpired = errors.New("transport: frame held too long")

// errOverflow is reported for frames pushed out of a full lane.
var errOverflow = errors.New("transport: too many frames waiting")

// DispatcherConfig tunes a Dispatcher. Zero values are replaced by defaults.
type DispatcherConfig struct {
	// Workers is the number of frames sent concurrently, to distinct participants.
	Workers int
	// MaxRetries bounds the attempts made before a lane waits for LinkUp.
	MaxRetries uint64
	// RetryBase is the first delay of the exponential backoff.
	RetryBase time.Duration
	// MaxHold bounds the time a frame waits for its link.
	MaxHold time.Duration
	// MaxQueued bounds the frames waiting for a single participant. The oldest is dropped first.
	MaxQueued int
	// Logger defaults to zerolog.Nop().
	Logger *zerolog.Logger
	// OnDropped is called when a frame is given up on. It may be nil.
	OnDropped func(to party.ID, err error)
}

// Dispatcher makes sends fire-and-forget.
//
// Messages are encoded by the caller's goroutine and queued on a lane per participant. A worker
// of the pool sends the frames of a lane in the order they were dispatched, and gives the worker
// back between attempts while the link is down. Once the backoff is exhausted the lane parks,
// keeping its frames until LinkUp is called for the participant or the frames expire.
type Dispatcher struct {
	transport Transport
	pool      *workerpool.WorkerPool
	cfg       DispatcherConfig
	log       zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mtx     sync.Mutex
	stopped bool
	lanes   map[party.ID]*lane
}

type frame struct {
	data   []byte
	queued time.Time
}

// lane holds the frames waiting for a single participant.
//
// A lane is busy while a worker or a backoff timer owns it, and parked while it waits for LinkUp.
// current is the frame being attempted, which stays there across attempts.
type lane struct {
	to      party.ID
	frames  deque.Deque
	current *frame
	backoff retry.Backoff
	busy    bool
	parked  bool
	// ups counts the LinkUp calls, so that a lane seeing one during its attempts does not park.
	ups uint64
}

// NewDispatcher starts a Dispatcher sending over t.
func NewDispatcher(t Transport, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = defaultMaxHold
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = defaultMaxQueued
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		transport: t,
		pool:      workerpool.New(cfg.Workers),
		cfg:       cfg,
		log:       log.With().Str("component", "dispatcher").Logger(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		lanes:     make(map[party.ID]*lane),
	}
}

// Outbox returns a protocol.Outbox sending messages of the given session and request.
func (d *Dispatcher) Outbox(sessionID, requestID string) protocol.Outbox {
	return &outbox{dispatcher: d, sessionID: sessionID, requestID: requestID}
}

// Dispatch encodes msg and queues it for msg.To.
func (d *Dispatcher) Dispatch(msg *protocol.Message) error {
	if d.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	d.mtx.Lock()
	if d.stopped {
		d.mtx.Unlock()
		return ErrClosed
	}
	l := d.lane(msg.To)
	var overflow bool
	if l.frames.Len() >= d.cfg.MaxQueued {
		l.frames.PopFront()
		overflow = true
	}
	l.frames.PushBack(&frame{data: data, queued: d.now()})
	if !l.busy && !l.parked {
		d.schedule(l)
	}
	d.mtx.Unlock()

	if overflow {
		d.dropped(msg.To, errOverflow)
	}
	return nil
}

// LinkUp tells the dispatcher the link to peer is back, waking its lane if it was parked.
func (d *Dispatcher) LinkUp(peer party.ID) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	l, ok := d.lanes[peer]
	if !ok || d.stopped {
		return
	}
	l.ups++
	if l.parked {
		l.parked = false
		d.log.Debug().Str("to", string(peer)).Msg("link up, resuming")
		d.schedule(l)
	}
}

// Pending returns the number of frames not sent yet.
func (d *Dispatcher) Pending() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n := 0
	for _, l := range d.lanes {
		n += l.frames.Len()
		if l.current != nil {
			n++
		}
	}
	return n
}

// Stop abandons the frames not sent yet and waits for the workers to return.
func (d *Dispatcher) Stop() {
	d.mtx.Lock()
	d.stopped = true
	d.mtx.Unlock()
	d.cancel()
	d.pool.StopWait()
}

func (d *Dispatcher) lane(to party.ID) *lane {
	l, ok := d.lanes[to]
	if !ok {
		l = &lane{to: to}
		d.lanes[to] = l
	}
	return l
}

// schedule hands l to a worker. d.mtx must be held.
func (d *Dispatcher) schedule(l *lane) {
	l.busy = true
	d.pool.Submit(func() { d.drain(l) })
}

// wake is called by a backoff timer for a lane it owns.
func (d *Dispatcher) wake(l *lane) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.stopped {
		l.busy = false
		return
	}
	d.pool.Submit(func() { d.drain(l) })
}

// next returns the frame to attempt, or nil once the lane is empty. d.mtx must be held.
func (d *Dispatcher) next(l *lane) (f *frame, expired int) {
	if l.current != nil {
		if d.now().Sub(l.current.queued) <= d.cfg.MaxHold {
			return l.current, 0
		}
		l.current, l.backoff = nil, nil
		expired++
	}
	for {
		v, ok := l.frames.PopFront()
		if !ok {
			return nil, expired
		}
		fr := v.(*frame)
		if d.now().Sub(fr.queued) > d.cfg.MaxHold {
			expired++
			continue
		}
		l.current, l.backoff = fr, nil
		return fr, expired
	}
}

func (d *Dispatcher) drain(l *lane) {
	for {
		d.mtx.Lock()
		if d.stopped {
			l.busy = false
			d.mtx.Unlock()
			return
		}
		f, expired := d.next(l)
		if f == nil {
			l.busy = false
		}
		ups := l.ups
		d.mtx.Unlock()

		for i := 0; i < expired; i++ {
			d.dropped(l.to, errExpired)
		}
		if f == nil {
			return
		}

		err := d.transport.Send(d.ctx, l.to, f.data)
		if err == nil {
			d.mtx.Lock()
			l.current, l.backoff = nil, nil
			d.mtx.Unlock()
			continue
		}
		if !errors.Is(err, ErrLinkDown) {
			d.mtx.Lock()
			l.current, l.backoff = nil, nil
			d.mtx.Unlock()
			d.dropped(l.to, err)
			continue
		}

		d.mtx.Lock()
		if l.backoff == nil {
			l.backoff = retry.WithMaxRetries(d.cfg.MaxRetries, retry.NewExponential(d.cfg.RetryBase))
		}
		delay, stop := l.backoff.Next()
		switch {
		case !stop:
			d.mtx.Unlock()
			d.log.Debug().Str("to", string(l.to)).Dur("in", delay).Msg("link down, retrying")
			time.AfterFunc(delay, func() { d.wake(l) })
			return
		case l.ups != ups:
			// the link came back while the attempts ran
			l.backoff = nil
			d.mtx.Unlock()
		default:
			l.backoff = nil
			l.busy, l.parked = false, true
			waiting := l.frames.Len() + 1
			d.mtx.Unlock()
			d.log.Info().Str("to", string(l.to)).Int("frames", waiting).Msg("link down, holding frames until it is back")
			return
		}
	}
}

func (d *Dispatcher) dropped(to party.ID, err error) {
	d.log.Warn().Err(err).Str("to", string(to)).Msg("dropping frame")
	if d.cfg.OnDropped != nil {
		d.cfg.OnDropped(to, err)
	}
}

type outbox struct {
	dispatcher *Dispatcher
	sessionID  string
	requestID  string
}

func (o *outbox) Send(to party.ID, content protocol.Content) error {
	msg, err := protocol.NewMessage(o.sessionID, o.requestID, o.dispatcher.transport.Self(), to, content)
	if err != nil {
		return err
	}
	return o.dispatcher.Dispatch(msg)
}

func (o *outbox) Broadcast(to []party.ID, content protocol.Content) error {
	self := o.dispatcher.transport.Self()
	for _, id := range to {
		if id == self {
			continue
		}
		if err := o.Send(id, content); err != nil {
			return err
		}
	}
	return nil
}
