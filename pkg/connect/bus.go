/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package connect

import (
	"sync"

	"github.com/uport-project/go-uport-transports/pkg/transport"
)

// bus is the pending correlation table: request ids mapped to the consumers
// waiting on them. It is owned by one Transport instance, so multiple
// instances in a process never cross-talk. Subscribe, publish and
// unsubscribe are atomic with respect to each other.
type bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber
}

type subscriber struct {
	fn   func(*transport.Response)
	once bool
}

func newBus() *bus {
	return &bus{subs: make(map[string][]*subscriber)}
}

// publish delivers res to every consumer registered for id. One-shot
// consumers are deregistered before delivery.
func (b *bus) publish(id string, res *transport.Response) {
	b.mu.Lock()

	subs := b.subs[id]

	var kept []*subscriber

	for _, s := range subs {
		if !s.once {
			kept = append(kept, s)
		}
	}

	if len(kept) == 0 {
		delete(b.subs, id)
	} else {
		b.subs[id] = kept
	}

	b.mu.Unlock()

	for _, s := range subs {
		s.fn(res)
	}
}

// subscribe registers a persistent consumer for id and returns its
// unsubscribe func.
func (b *bus) subscribe(id string, fn func(*transport.Response)) func() {
	s := &subscriber{fn: fn}
	b.add(id, s)

	return func() {
		b.remove(id, s)
	}
}

// subscribeOnce registers a consumer delivered to at most once through the
// returned channel. The second return deregisters early.
func (b *bus) subscribeOnce(id string) (<-chan *transport.Response, func()) {
	ch := make(chan *transport.Response, 1)

	s := &subscriber{
		fn: func(res *transport.Response) {
			select {
			case ch <- res:
			default:
			}
		},
		once: true,
	}

	b.add(id, s)

	return ch, func() {
		b.remove(id, s)
	}
}

func (b *bus) add(id string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[id] = append(b.subs[id], s)
}

func (b *bus) remove(id string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[id]

	for i, cur := range subs {
		if cur == s {
			b.subs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	if len(b.subs[id]) == 0 {
		delete(b.subs, id)
	}
}
