package transport

import "sync"

// Message is one emission pushed into a Sink: either a successfully
// decoded response body, or a terminal error.
type Message struct {
	Response map[string]any
	Err      error
}

// Sink is the multicast stream backing spec §3's "Response Sink": a
// stream with {push-next, push-error, complete, is-completed}. A one-shot
// sink (used by plain sends) auto-completes after its first emission; a
// long-lived sink (used by subscriptions) stays open across many pushes.
//
// Consumers call Subscribe to obtain their own channel; Subscribe may be
// called any number of times on the same Sink, which is how N local
// subscribers share one upstream subscription (spec §4.D). Channels are
// unbuffered: a slow consumer blocks delivery to every other consumer of
// the same Sink, and in turn blocks the connection's receive loop, per
// spec §5's backpressure policy.
type Sink struct {
	mu        sync.Mutex
	subs      map[uint64]*subscriber
	nextSubID uint64
	completed bool
	oneShot   bool
	onCount   func(n int)
	doneCh    chan struct{}
}

type subscriber struct {
	ch   chan Message
	done chan struct{}
}

// NewSink constructs a Sink. oneShot sinks auto-complete after their
// first PushNext or PushError.
func NewSink(oneShot bool) *Sink {
	return &Sink{
		subs:    make(map[uint64]*subscriber),
		oneShot: oneShot,
		doneCh:  make(chan struct{}),
	}
}

// Done returns a channel closed exactly once, when the sink completes.
// The request registry is not self-cleaning (spec §4.B); whoever inserts
// an entry is expected to delete it once the sink it guards completes,
// and Done is how they observe that.
func (s *Sink) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneCh
}

// OnSubscriberCountChange registers a callback invoked (outside the
// sink's lock) whenever the number of live subscribers changes, including
// the transition to zero that the Subscription Manager uses to schedule a
// forget (spec §4.D "Teardown-on-empty").
func (s *Sink) OnSubscriberCountChange(fn func(n int)) {
	s.mu.Lock()
	s.onCount = fn
	s.mu.Unlock()
}

// Subscribe returns a channel of future emissions and an unsubscribe
// function. Calling unsubscribe more than once is safe and a no-op after
// the first call.
func (s *Sink) Subscribe() (<-chan Message, func()) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}

	id := s.nextSubID
	s.nextSubID++
	sub := &subscriber{ch: make(chan Message), done: make(chan struct{})}
	s.subs[id] = sub
	count := len(s.subs)
	onCount := s.onCount
	s.mu.Unlock()

	if onCount != nil {
		onCount(count)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub.done)
			}
			count := len(s.subs)
			onCount := s.onCount
			s.mu.Unlock()
			if onCount != nil {
				onCount(count)
			}
		})
	}
	return sub.ch, unsubscribe
}

// PushNext delivers a successful response to every current subscriber,
// blocking until each has received it (or unsubscribed). If the sink is
// one-shot, it completes immediately afterward.
func (s *Sink) PushNext(response map[string]any) {
	s.broadcast(Message{Response: response})
	s.mu.Lock()
	oneShot := s.oneShot
	s.mu.Unlock()
	if oneShot {
		s.Complete()
	}
}

// PushError delivers a terminal error to every current subscriber and
// completes the sink.
func (s *Sink) PushError(err error) {
	s.broadcast(Message{Err: err})
	s.Complete()
}

func (s *Sink) broadcast(m Message) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- m:
		case <-sub.done:
		}
	}
}

// Complete marks the sink completed, closing every subscriber channel.
// Calling Complete more than once is a no-op.
func (s *Sink) Complete() {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	subs := s.subs
	s.subs = nil
	done := s.doneCh
	s.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	close(done)
}

// IsCompleted reports whether the sink has completed.
func (s *Sink) IsCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}
