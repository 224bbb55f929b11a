package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"DlcCoordinator/internal/dlc"
	"DlcCoordinator/internal/event"
)

// NATS subjects of the contract engine's coordinator-facing surface. The
// engine publishes lifecycle events on SubjectChannelEvents and answers
// request/reply lookups on the remaining subjects.
const (
	SubjectChannelEvents      = "dlc.engine.channel.events"
	SubjectChannelByID        = "dlc.engine.channel.by_id"
	SubjectChannelByRef       = "dlc.engine.channel.by_reference_id"
	SubjectContractByID       = "dlc.engine.contract.by_id"
	SubjectUsableBalance      = "dlc.engine.balance.own"
	SubjectUsableBalanceOther = "dlc.engine.balance.counterparty"
	SubjectCloseChannel       = "dlc.engine.channel.close"
	SubjectIsMine             = "dlc.engine.wallet.is_mine"
)

// NATSClient implements Engine over a NATS connection to the contract
// engine process. Events arrive on a core subscription and are fanned out
// through a Broadcaster with bounded per-subscriber buffering.
type NATSClient struct {
	nc          *nats.Conn
	broadcaster *Broadcaster
	sub         *nats.Subscription
	timeout     time.Duration
	log         zerolog.Logger
}

// ConnectNATS establishes the NATS connection used to talk to the engine.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// NewNATSClient wires a client over an established connection. buffer is the
// per-subscriber event buffer; timeout bounds request/reply lookups.
func NewNATSClient(nc *nats.Conn, buffer int, timeout time.Duration, log zerolog.Logger) *NATSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSClient{
		nc:          nc,
		broadcaster: NewBroadcaster(buffer),
		timeout:     timeout,
		log:         log,
	}
}

// Start subscribes to the engine's event stream. Malformed events are logged
// and dropped; they would be equally malformed on redelivery.
func (c *NATSClient) Start() error {
	sub, err := c.nc.Subscribe(SubjectChannelEvents, func(msg *nats.Msg) {
		ev, err := event.ParseChannelEvent(msg.Data)
		if err != nil {
			c.log.Error().Err(err).Str("data", string(msg.Data)).Msg("Dropping malformed channel event")
			return
		}
		c.broadcaster.Publish(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectChannelEvents, err)
	}
	c.sub = sub
	c.log.Info().Str("subject", SubjectChannelEvents).Msg("Subscribed to engine channel events")
	return nil
}

// Close tears down the event subscription and terminates all subscribers.
func (c *NATSClient) Close() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.log.Warn().Err(err).Msg("Unsubscribe from engine events failed")
		}
	}
	c.broadcaster.Close()
}

func (c *NATSClient) SubscribeChannelEvents() *Subscription {
	return c.broadcaster.Subscribe()
}

type channelReply struct {
	Channel *Channel `json:"channel"`
	Error   string   `json:"error,omitempty"`
}

type contractReply struct {
	Contract *Contract `json:"contract"`
	Error    string    `json:"error,omitempty"`
}

type balanceReply struct {
	BalanceSats uint64 `json:"balance_sats"`
	Error       string `json:"error,omitempty"`
}

type closeReply struct {
	ReferenceID []byte `json:"reference_id"`
	Error       string `json:"error,omitempty"`
}

type isMineReply struct {
	Mine bool `json:"mine"`
}

func (c *NATSClient) request(subject string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	msg, err := c.nc.Request(subject, data, c.timeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}

func (c *NATSClient) GetChannelByID(id dlc.ChannelID) (*Channel, error) {
	var reply channelReply
	req := map[string]string{"channel_id": id.String()}
	if err := c.request(SubjectChannelByID, req, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" || reply.Channel == nil {
		return nil, fmt.Errorf("channel %s: %w", id, dlc.ErrNotFound)
	}
	return reply.Channel, nil
}

func (c *NATSClient) GetChannelByReferenceID(ref []byte) (*Channel, error) {
	var reply channelReply
	req := map[string][]byte{"reference_id": ref}
	if err := c.request(SubjectChannelByRef, req, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" || reply.Channel == nil {
		return nil, fmt.Errorf("channel by reference id %x: %w", ref, dlc.ErrNotFound)
	}
	return reply.Channel, nil
}

func (c *NATSClient) GetContractByID(id dlc.ContractID) (*Contract, error) {
	var reply contractReply
	req := map[string]string{"contract_id": id.String()}
	if err := c.request(SubjectContractByID, req, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" || reply.Contract == nil {
		return nil, fmt.Errorf("contract %s: %w", id, dlc.ErrNotFound)
	}
	return reply.Contract, nil
}

func (c *NATSClient) GetUsableBalance(id dlc.ChannelID) (uint64, error) {
	return c.usableBalance(SubjectUsableBalance, id)
}

func (c *NATSClient) GetUsableBalanceCounterparty(id dlc.ChannelID) (uint64, error) {
	return c.usableBalance(SubjectUsableBalanceOther, id)
}

func (c *NATSClient) usableBalance(subject string, id dlc.ChannelID) (uint64, error) {
	var reply balanceReply
	req := map[string]string{"channel_id": id.String()}
	if err := c.request(subject, req, &reply); err != nil {
		return 0, err
	}
	if reply.Error != "" {
		return 0, fmt.Errorf("usable balance for %s: %s", id, reply.Error)
	}
	return reply.BalanceSats, nil
}

func (c *NATSClient) CloseChannel(ctx context.Context, id dlc.ChannelID, force bool) ([]byte, error) {
	req, err := json.Marshal(map[string]any{"channel_id": id.String(), "force": force})
	if err != nil {
		return nil, fmt.Errorf("encode close request: %w", err)
	}
	msg, err := c.nc.RequestWithContext(ctx, SubjectCloseChannel, req)
	if err != nil {
		return nil, fmt.Errorf("close channel %s: %w", id, err)
	}
	var reply closeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode close reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("close channel %s: %s", id, reply.Error)
	}
	return reply.ReferenceID, nil
}

// IsMine asks the engine's wallet whether it owns a spending script. Lookup
// failures propagate: settlement sums use the answer to split CET outputs
// between the parties and must not write a guessed pnl.
func (c *NATSClient) IsMine(script []byte) (bool, error) {
	var reply isMineReply
	req := map[string][]byte{"script": script}
	if err := c.request(SubjectIsMine, req, &reply); err != nil {
		return false, fmt.Errorf("is_mine lookup: %w", err)
	}
	return reply.Mine, nil
}
