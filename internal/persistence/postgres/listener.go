package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fusiond/internal/persistence"
)

// Listener wraps a single pq.Listener, the dedicated notification
// connection required by §4.D/§4.G/§5: a separate connection from the read
// path so a slow consumer never stalls reads, with reconnect-with-backoff on
// drop per §7. §4.G subscribes two named channels on that one connection —
// base candles and base metrics — so Listen can be called more than once;
// each call adds a subscription and gets its own demultiplexed output
// channel, keyed off pq.Notification.Channel.
type Listener struct {
	dsn string

	mu      sync.Mutex
	l       *pq.Listener
	outs    map[string]chan persistence.NotifyPayload
	drained bool
}

func NewListener(dsn string) *Listener {
	return &Listener{dsn: dsn, outs: make(map[string]chan persistence.NotifyPayload)}
}

// Listen subscribes to channel on the shared connection (creating it on the
// first call) and returns decoded payloads for that channel only. Connection
// drops are logged and pq.Listener reconnects internally with its own
// exponential backoff (minReconnectInterval/maxReconnectInterval below),
// matching §7's "reconnects with exponential backoff" requirement.
func (ln *Listener) Listen(ctx context.Context, channel string) (<-chan persistence.NotifyPayload, error) {
	ln.mu.Lock()
	if ln.l == nil {
		eventCb := func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("notification listener event")
			}
		}
		ln.l = pq.NewListener(ln.dsn, 1*time.Second, 30*time.Second, eventCb)
	}
	if err := ln.l.Listen(channel); err != nil {
		ln.mu.Unlock()
		return nil, err
	}
	out := make(chan persistence.NotifyPayload, 256)
	ln.outs[channel] = out
	needsDrain := !ln.drained
	ln.drained = true
	ln.mu.Unlock()

	if needsDrain {
		go ln.drain(ctx)
	}
	return out, nil
}

// drain runs once per Listener, regardless of how many channels are
// subscribed, fanning each notification out to the output channel matching
// its originating Postgres channel.
func (ln *Listener) drain(ctx context.Context) {
	defer ln.closeOuts()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ln.l.Notify:
			if !ok {
				return
			}
			if n == nil {
				// pq.Listener sends a nil notification after a reconnect.
				// Rows written while the connection was down are not
				// re-fetched: no poll runs while the listener is in use.
				continue
			}
			var p persistence.NotifyPayload
			if err := json.Unmarshal([]byte(n.Extra), &p); err != nil {
				log.Warn().Err(err).Str("channel", n.Channel).Str("payload", n.Extra).Msg("malformed notification payload, skipped")
				continue
			}
			ln.mu.Lock()
			out, ok := ln.outs[n.Channel]
			ln.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (ln *Listener) closeOuts() {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	for _, out := range ln.outs {
		close(out)
	}
}

func (ln *Listener) Close() error {
	ln.mu.Lock()
	l := ln.l
	ln.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Close()
}
