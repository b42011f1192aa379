package ledgertest

import (
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

type subscription struct {
	chain *Chain
	query ethereum.FilterQuery
	out   chan<- types.Log
	errCh chan error
	queue chan []types.Log
	quit  chan struct{}
	once  sync.Once
}

func newSubscription(c *Chain, q ethereum.FilterQuery, out chan<- types.Log) *subscription {
	sub := &subscription{
		chain: c,
		query: q,
		out:   out,
		errCh: make(chan error, 1),
		queue: make(chan []types.Log, 128),
		quit:  make(chan struct{}),
	}
	go sub.pump()
	return sub
}

func (s *subscription) pump() {
	for {
		select {
		case <-s.quit:
			return
		case batch := <-s.queue:
			for _, l := range batch {
				select {
				case s.out <- l:
				case <-s.quit:
					return
				}
			}
		}
	}
}

func (s *subscription) deliver(logs []types.Log) {
	var batch []types.Log
	for _, l := range logs {
		if matches(s.query, l) {
			batch = append(batch, l)
		}
	}
	if len(batch) == 0 {
		return
	}
	select {
	case s.queue <- batch:
	case <-s.quit:
	}
}

func (s *subscription) fail(err error) {
	s.once.Do(func() {
		s.errCh <- err
		close(s.errCh)
		close(s.quit)
	})
}

// Unsubscribe implements ethereum.Subscription.
func (s *subscription) Unsubscribe() {
	s.chain.removeSub(s)
	s.once.Do(func() {
		close(s.errCh)
		close(s.quit)
	})
}

// Err implements ethereum.Subscription.
func (s *subscription) Err() <-chan error { return s.errCh }
