package p2p

import (
	"context"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/ccx404/ccbft/pkg/consensus"
)

const (
	topicProposal   = "ccbft-proposal"
	topicVote       = "ccbft-vote"
	topicViewChange = "ccbft-viewchange"
	topicNewView    = "ccbft-newview"
)

func topicFor(kind consensus.MessageKind) string {
	switch kind {
	case consensus.KindProposal:
		return topicProposal
	case consensus.KindVote:
		return topicVote
	case consensus.KindViewChange:
		return topicViewChange
	case consensus.KindNewView:
		return topicNewView
	}
	return ""
}

// Libp2pNet is the gossipsub transport: one topic per wire message kind.
// Inbound messages are decoded from the canonical encoding and handed to
// the ingest callback (normally Engine.Ingest).
type Libp2pNet struct {
	h      host.Host
	ps     *pubsub.PubSub
	log    *zap.SugaredLogger
	topics map[consensus.MessageKind]*pubsub.Topic
	ingest func(consensus.Message) error
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func New(ctx context.Context, cfg Config) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	n := &Libp2pNet{
		h:      h,
		ps:     ps,
		log:    cfg.Logger,
		topics: make(map[consensus.MessageKind]*pubsub.Topic),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	kinds := []consensus.MessageKind{
		consensus.KindProposal,
		consensus.KindVote,
		consensus.KindViewChange,
		consensus.KindNewView,
	}
	for _, kind := range kinds {
		t, err := ps.Join(topicFor(kind))
		if err != nil {
			return nil, fmt.Errorf("join %s: %w", topicFor(kind), err)
		}
		n.topics[kind] = t
		sub, err := t.Subscribe()
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", topicFor(kind), err)
		}
		go n.readLoop(ctx, sub)
	}

	if cfg.Logger != nil {
		cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// SetIngest registers the inbound handler; messages received before it is
// set are dropped.
func (n *Libp2pNet) SetIngest(fn func(consensus.Message) error) { n.ingest = fn }

func (n *Libp2pNet) Host() host.Host { return n.h }

// Send publishes the canonical encoding of m on its kind's topic.
func (n *Libp2pNet) Send(ctx context.Context, m consensus.Message) error {
	raw, err := consensus.Encode(m)
	if err != nil {
		return err
	}
	env, err := gobEncode(Envelope{From: n.h.ID().String(), Payload: raw})
	if err != nil {
		return err
	}
	t, ok := n.topics[m.MsgKind()]
	if !ok {
		return fmt.Errorf("p2p: no topic for kind %d", m.MsgKind())
	}
	return t.Publish(ctx, env)
}

var _ consensus.Network = (*Libp2pNet)(nil)

func (n *Libp2pNet) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var env Envelope
		if err := gobDecode(msg.Data, &env); err != nil {
			if n.log != nil {
				n.log.Debugw("envelope_decode_failed", "from", msg.ReceivedFrom, "err", err)
			}
			continue
		}
		decoded, err := consensus.Decode(env.Payload)
		if err != nil {
			if n.log != nil {
				n.log.Debugw("message_decode_failed", "from", env.From, "err", err)
			}
			continue
		}
		if n.ingest == nil {
			continue
		}
		if err := n.ingest(decoded); err != nil && n.log != nil {
			n.log.Debugw("ingest_rejected", "kind", decoded.MsgKind(), "err", err)
		}
	}
}

func (n *Libp2pNet) Close() error { return n.h.Close() }
