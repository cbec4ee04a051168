// Package replog is an in-process totally ordered message log. It stands in
// for the host ledger's consensus when running a local validator network:
// every subscriber sees every submitted message in the same order.
package replog

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/csales1987/exonum-btc-anchoring/anchoring"
	"github.com/lightningnetwork/lnd/queue"
)

// ErrLogShuttingDown is returned once the log has been stopped.
var ErrLogShuttingDown = errors.New("replicated log shutting down")

// Entry is a sequenced message. Data holds the wire encoding so that every
// subscriber decodes its own copy.
type Entry struct {
	Seq  uint64
	Data []byte
}

// Message decodes the entry.
func (e *Entry) Message() (anchoring.Message, error) {
	return anchoring.DecodeMessage(bytes.NewReader(e.Data))
}

// Client receives the entries of the log.
type Client struct {
	cancel func()

	entries *queue.ConcurrentQueue
	quit    chan struct{}
}

// Entries returns the channel on which *Entry values are delivered in
// sequence order.
func (c *Client) Entries() <-chan interface{} {
	return c.entries.ChanOut()
}

// Quit is closed when the log stops delivering to this client.
func (c *Client) Quit() <-chan struct{} {
	return c.quit
}

// Cancel ends the subscription.
func (c *Client) Cancel() {
	c.cancel()
}

type subscription struct {
	cancel   bool
	clientID uint64
	after    uint64
	client   *Client
}

type submission struct {
	data  []byte
	reply chan uint64
}

// Log orders submitted messages and fans them out to all clients.
type Log struct {
	clientCounter uint64 // To be used atomically.

	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	// base is the sequence number preceding the first entry of this
	// process. Entries up to base were applied before a restart.
	base uint64

	// history holds every entry, indexed by Seq-base-1. It is only
	// accessed by the handler goroutine.
	history []*Entry

	clients       map[uint64]*Client
	subscriptions chan *subscription
	submissions   chan *submission

	quit chan struct{}
	wg   sync.WaitGroup
}

// New returns a new, empty log.
func New() *Log {
	return NewAfter(0)
}

// NewAfter returns an empty log whose first entry gets sequence number
// base+1.
func NewAfter(base uint64) *Log {
	return &Log{
		base:          base,
		clients:       make(map[uint64]*Client),
		subscriptions: make(chan *subscription),
		submissions:   make(chan *submission),
		quit:          make(chan struct{}),
	}
}

// Start starts the log.
func (l *Log) Start() error {
	if !atomic.CompareAndSwapUint32(&l.started, 0, 1) {
		return nil
	}

	log.Info("Replicated log starting")

	l.wg.Add(1)
	go l.handler()

	return nil
}

// Stop stops the log and closes all clients.
func (l *Log) Stop() error {
	if !atomic.CompareAndSwapUint32(&l.stopped, 0, 1) {
		return nil
	}

	log.Info("Replicated log shutting down...")

	close(l.quit)
	l.wg.Wait()

	return nil
}

// Submit appends msg to the log and returns its sequence number. The first
// entry has sequence number base+1.
func (l *Log) Submit(msg anchoring.Message) (uint64, error) {
	var b bytes.Buffer
	if err := anchoring.EncodeMessage(&b, msg); err != nil {
		return 0, err
	}

	sub := &submission{
		data:  b.Bytes(),
		reply: make(chan uint64, 1),
	}

	select {
	case l.submissions <- sub:
	case <-l.quit:
		return 0, ErrLogShuttingDown
	}

	select {
	case seq := <-sub.reply:
		return seq, nil
	case <-l.quit:
		return 0, ErrLogShuttingDown
	}
}

// Subscribe returns a client that receives every entry with a sequence
// number above after, starting with the ones already in the log.
func (l *Log) Subscribe(after uint64) (*Client, error) {
	clientID := atomic.AddUint64(&l.clientCounter, 1)

	client := &Client{
		entries: queue.NewConcurrentQueue(20),
		quit:    make(chan struct{}),
		cancel: func() {
			select {
			case l.subscriptions <- &subscription{
				cancel:   true,
				clientID: clientID,
			}:
			case <-l.quit:
			}
		},
	}

	select {
	case l.subscriptions <- &subscription{
		clientID: clientID,
		after:    after,
		client:   client,
	}:
	case <-l.quit:
		return nil, ErrLogShuttingDown
	}

	return client, nil
}

// deliver hands entry to client. It returns false if the log is quitting.
func (l *Log) deliver(client *Client, entry *Entry) bool {
	select {
	case client.entries.ChanIn() <- entry:
	case <-client.quit:
	case <-l.quit:
		return false
	}

	return true
}

// handler serializes all access to the history and the clients.
//
// NOTE: MUST be run as a goroutine.
func (l *Log) handler() {
	defer l.wg.Done()

	for {
		select {
		case sub := <-l.subscriptions:
			if sub.cancel {
				client, ok := l.clients[sub.clientID]
				if ok {
					client.entries.Stop()
					close(client.quit)
					delete(l.clients, sub.clientID)
				}

				continue
			}

			sub.client.entries.Start()
			l.clients[sub.clientID] = sub.client

			// Replay what the client missed before it sees any
			// new entry.
			start := uint64(0)
			if sub.after > l.base {
				start = sub.after - l.base
			}
			for i := start; i < uint64(len(l.history)); i++ {
				if !l.deliver(sub.client, l.history[i]) {
					return
				}
			}

			log.Debugf("Client %d subscribed after sequence %d",
				sub.clientID, sub.after)

		case sub := <-l.submissions:
			entry := &Entry{
				Seq:  l.base + uint64(len(l.history)) + 1,
				Data: sub.data,
			}
			l.history = append(l.history, entry)
			sub.reply <- entry.Seq

			log.Tracef("Appended entry %d", entry.Seq)

			for _, client := range l.clients {
				if !l.deliver(client, entry) {
					return
				}
			}

		case <-l.quit:
			for _, client := range l.clients {
				client.entries.Stop()
				close(client.quit)
			}

			return
		}
	}
}
