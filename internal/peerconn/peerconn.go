// Package peerconn establishes a WebRTC data channel between two peers
// that rendezvous through the signaling server: one side offers, the
// other answers, ICE candidates trickle through the room, and the
// caller gets back an open message channel.
package peerconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/driftbyte/driftbyte/internal/channel/webrtcchan"
	"github.com/driftbyte/driftbyte/internal/signal"
)

// DefaultChannelLabel names the transfer data channel.
const DefaultChannelLabel = "driftbyte"

// Config holds rendezvous parameters.
type Config struct {
	// ServerURL is the signaling server base URL (http or https).
	ServerURL string

	// Room both peers join. The offerer and answerer must agree on it.
	Room string

	// STUNServers for ICE gathering. Defaults to a public STUN server.
	STUNServers []string

	// ChannelLabel for the data channel. Default DefaultChannelLabel.
	ChannelLabel string

	// DataChannel configures the resulting channel adapter.
	DataChannel webrtcchan.Config

	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if len(c.STUNServers) == 0 {
		c.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.ChannelLabel == "" {
		c.ChannelLabel = DefaultChannelLabel
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DataChannel.Logger == nil {
		c.DataChannel.Logger = c.Logger
	}
}

// wsURL converts the server base URL into the room's WebSocket endpoint.
func wsURL(serverURL, room string) string {
	u := strings.TrimSuffix(serverURL, "/")
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u + "/ws/" + room
}

// Dial joins the room as the offering side and returns the channel once
// the peer answers and the data channel opens.
func Dial(ctx context.Context, cfg Config) (*webrtcchan.Channel, error) {
	return negotiate(ctx, cfg, true)
}

// Listen joins the room as the answering side and returns the channel
// once a peer's offer completes.
func Listen(ctx context.Context, cfg Config) (*webrtcchan.Channel, error) {
	return negotiate(ctx, cfg, false)
}

func negotiate(ctx context.Context, cfg Config, offerer bool) (*webrtcchan.Channel, error) {
	cfg.withDefaults()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(cfg.ServerURL, cfg.Room), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}
	defer ws.Close()

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, s := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{s}})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	n := &negotiation{
		cfg:    cfg,
		ws:     ws,
		pc:     pc,
		chanCh: make(chan *webrtcchan.Channel, 1),
		errCh:  make(chan error, 1),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		raw, err := json.Marshal(init)
		if err != nil {
			cfg.Logger.Warn("marshal ice candidate", "err", err)
			return
		}
		n.writeJSON(signal.Message{Type: signal.TypeCandidate, Candidate: string(raw)})
	})

	if offerer {
		dc, err := pc.CreateDataChannel(cfg.ChannelLabel, &webrtc.DataChannelInit{
			Ordered: boolPtr(true),
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		n.adopt(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != cfg.ChannelLabel {
				cfg.Logger.Warn("ignoring unexpected data channel", "label", dc.Label())
				return
			}
			n.adopt(dc)
		})
	}

	// The offer waits until a peer is in the room; the read loop sends
	// it on the first peer-joined notification.
	go n.readLoop(offerer)

	select {
	case ch := <-n.chanCh:
		pcRef := pc
		// The peer connection lives as long as the channel; tie their
		// shutdowns together.
		go func() {
			<-ctx.Done()
			_ = pcRef.Close()
		}()
		return ch, nil
	case err := <-n.errCh:
		pc.Close()
		return nil, err
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
}

type negotiation struct {
	cfg Config
	pc  *webrtc.PeerConnection

	wsMu sync.Mutex
	ws   *websocket.Conn

	candMu    sync.Mutex
	described bool
	pending   []webrtc.ICECandidateInit

	chanOnce sync.Once
	chanCh   chan *webrtcchan.Channel
	errCh    chan error
}

func (n *negotiation) writeJSON(msg signal.Message) {
	n.wsMu.Lock()
	defer n.wsMu.Unlock()
	if err := n.ws.WriteJSON(msg); err != nil {
		n.fail(fmt.Errorf("signaling write: %w", err))
	}
}

func (n *negotiation) fail(err error) {
	select {
	case n.errCh <- err:
	default:
	}
}

// adopt wraps the data channel and hands it to the waiting caller once.
func (n *negotiation) adopt(dc *webrtc.DataChannel) {
	n.chanOnce.Do(func() {
		ch := webrtcchan.New(dc, n.cfg.DataChannel)
		go func() {
			<-ch.Ready()
			n.chanCh <- ch
		}()
	})
}

// readLoop drives the signaling exchange until the channel opens.
func (n *negotiation) readLoop(offerer bool) {
	offered := false
	for {
		var msg signal.Message
		if err := n.ws.ReadJSON(&msg); err != nil {
			n.fail(fmt.Errorf("signaling read: %w", err))
			return
		}

		switch msg.Type {
		case signal.TypePeerJoined:
			if offerer && !offered {
				offered = true
				if err := n.sendOffer(); err != nil {
					n.fail(err)
					return
				}
			}
		case signal.TypeOffer:
			if offerer {
				continue
			}
			if err := n.acceptOffer(msg); err != nil {
				n.fail(err)
				return
			}
		case signal.TypeAnswer:
			if !offerer {
				continue
			}
			if err := n.acceptAnswer(msg); err != nil {
				n.fail(err)
				return
			}
		case signal.TypeCandidate:
			if err := n.addCandidate(msg); err != nil {
				n.cfg.Logger.Warn("add ice candidate", "err", err)
			}
		}
	}
}

func (n *negotiation) sendOffer() error {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	n.writeJSON(signal.Message{Type: signal.TypeOffer, SDP: offer.SDP})
	return nil
}

func (n *negotiation) acceptOffer(msg signal.Message) error {
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  msg.SDP,
	}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	n.flushCandidates()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	n.writeJSON(signal.Message{Type: signal.TypeAnswer, To: msg.From, SDP: answer.SDP})
	return nil
}

func (n *negotiation) acceptAnswer(msg signal.Message) error {
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  msg.SDP,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.flushCandidates()
	return nil
}

// addCandidate applies a trickled candidate, buffering any that arrive
// before the remote description.
func (n *negotiation) addCandidate(msg signal.Message) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	n.candMu.Lock()
	if !n.described {
		n.pending = append(n.pending, init)
		n.candMu.Unlock()
		return nil
	}
	n.candMu.Unlock()
	return n.pc.AddICECandidate(init)
}

func (n *negotiation) flushCandidates() {
	n.candMu.Lock()
	n.described = true
	pending := n.pending
	n.pending = nil
	n.candMu.Unlock()

	for _, init := range pending {
		if err := n.pc.AddICECandidate(init); err != nil {
			n.cfg.Logger.Warn("apply buffered ice candidate", "err", err)
		}
	}
}

func boolPtr(b bool) *bool { return &b }
