// Package ingress consumes the market gateway's websocket event stream
// and republishes each message on the internal event bus.
//
// The gateway pushes JSON frames shaped {"event": <name>, "data": <payload>}.
// The consumer normalizes them:
//
//	connected       -> events.Connected (data.start_time when present)
//	block           -> events.Block (data.number)
//	bounty          -> events.Bounty
//	assertion       -> events.Assertion
//	vote            -> events.Vote
//	settled_bounty  -> events.BountySettledRemote, only when the settler
//	                   is our own account (case-insensitive)
//
// Nothing is persisted here. The connection is best effort: any read or
// dial error tears the socket down and the loop reconnects after a fixed
// backoff, relying on the scheduler's block-indexed scans to catch up.
package ingress

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/swarmwatch/arbiter/pkg/events"
	"github.com/swarmwatch/arbiter/pkg/log"
	"github.com/swarmwatch/arbiter/pkg/metrics"
	"github.com/swarmwatch/arbiter/pkg/types"
)

// PendingLister is the slice of the market client the consumer needs for
// its backfill on connect.
type PendingLister interface {
	PendingBounties(ctx context.Context) ([]types.BountyEvent, error)
}

const (
	reconnectDelay   = 3 * time.Second
	handshakeTimeout = 10 * time.Second

	keepaliveIdle     = 30 * time.Second
	keepaliveInterval = 10 * time.Second
	keepaliveProbes   = 3
)

// frame is the gateway's wire envelope.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Consumer maintains the websocket subscription to the gateway.
type Consumer struct {
	url     string
	account string
	bus     *events.Bus
	market  PendingLister

	dialer *websocket.Dialer
	logger zerolog.Logger

	stopCh chan struct{}
	doneWg sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a consumer for ws://<host>/events.
func New(host, account string, bus *events.Bus, client PendingLister) *Consumer {
	netDialer := &net.Dialer{
		Timeout: handshakeTimeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     keepaliveIdle,
			Interval: keepaliveInterval,
			Count:    keepaliveProbes,
		},
	}
	return &Consumer{
		url:     "ws://" + host + "/events",
		account: account,
		bus:     bus,
		market:  client,
		dialer: &websocket.Dialer{
			NetDialContext:   netDialer.DialContext,
			HandshakeTimeout: handshakeTimeout,
		},
		logger: log.WithComponent("ingress"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the reconnect loop.
func (c *Consumer) Start() {
	c.doneWg.Add(1)
	go c.run()
}

// Stop tears down the current socket and waits for the loop to exit.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.doneWg.Wait()
}

func (c *Consumer) run() {
	defer c.doneWg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.consume(); err != nil {
			c.logger.Warn().Err(err).Str("url", c.url).Msg("Event stream broken")
			metrics.ErrorsTotal.WithLabelValues("ingress").Inc()
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// consume dials the gateway and reads frames until the socket breaks.
func (c *Consumer) consume() error {
	c.logger.Info().Str("url", c.url).Msg("Connecting to event stream")

	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.logger.Info().Msg("Connected to event stream")

	// A restart may have missed bounty events; replay whatever the
	// gateway still considers open.
	c.backfillPending()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(payload)
	}
}

// backfillPending republishes the gateway's open bounties as bounty
// events. Duplicates are harmless, ingest drops known guids.
func (c *Consumer) backfillPending() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pending, err := c.market.PendingBounties(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Pending bounty backfill failed")
		return
	}
	c.logger.Info().Int("count", len(pending)).Msg("Replaying pending bounties")
	for _, bounty := range pending {
		c.bus.Publish(events.Bounty{Bounty: bounty})
	}
}

func (c *Consumer) dispatch(payload []byte) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		c.logger.Warn().Err(err).Msg("Undecodable gateway frame")
		return
	}

	switch f.Event {
	case "connected":
		var data struct {
			StartTime time.Time `json:"start_time"`
		}
		start := time.Now()
		if err := json.Unmarshal(f.Data, &data); err == nil && !data.StartTime.IsZero() {
			start = data.StartTime
		}
		c.bus.Publish(events.Connected{StartTime: start})

	case "block":
		var data struct {
			Number uint64 `json:"number"`
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			c.logger.Warn().Err(err).Msg("Bad block frame")
			return
		}
		c.bus.Publish(events.Block{Number: data.Number})

	case "bounty":
		var bounty types.BountyEvent
		if err := json.Unmarshal(f.Data, &bounty); err != nil {
			c.logger.Warn().Err(err).Msg("Bad bounty frame")
			return
		}
		c.bus.Publish(events.Bounty{Bounty: bounty})

	case "assertion":
		var data map[string]interface{}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return
		}
		c.bus.Publish(events.Assertion{Data: data})

	case "vote", "verdict":
		// Older gateways emit "verdict" for what is now "vote".
		var data map[string]interface{}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return
		}
		c.bus.Publish(events.Vote{Data: data})

	case "settled_bounty":
		var data struct {
			BountyGUID string `json:"bounty_guid"`
			Settler    string `json:"settler"`
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			c.logger.Warn().Err(err).Msg("Bad settled_bounty frame")
			return
		}
		// Only our own settlements matter; other arbiters settle too.
		if !strings.EqualFold(data.Settler, c.account) {
			return
		}
		c.bus.Publish(events.BountySettledRemote{GUID: data.BountyGUID})

	default:
		c.logger.Debug().Str("event", f.Event).Msg("Unhandled gateway event")
	}
}
