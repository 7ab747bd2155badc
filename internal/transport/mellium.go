package transport

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"github.com/hipbot/hipchat/internal/logging"
	"github.com/hipbot/hipchat/internal/metrics"
	"github.com/hipbot/hipchat/internal/stanza"
)

// Config contains configuration for the XMPP transport.
type Config struct {
	JID      string
	Password string
	Server   string
	Port     int
	Resource string

	// Reconnect enables automatic reconnection after a dropped stream.
	Reconnect      bool
	ReconnectDelay time.Duration
}

// Conn is the mellium-backed Transport implementation.
type Conn struct {
	mu        sync.RWMutex
	session   *xmpp.Session
	netConn   net.Conn
	jid       jid.JID
	password  string
	server    string
	port      int
	reconnect bool
	delay     time.Duration
	connected bool
	closed    bool

	onStanza     func(v any)
	onOnline     func()
	onOffline    func()
	onReconnect  func()
	onDisconnect func(err error)
	onError      func(err error)

	// dialFn performs the dial under c.mu; swapped out in tests.
	dialFn func(ctx context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Transport = (*Conn)(nil)

// New creates a new transport from the given configuration.
func New(cfg Config) (*Conn, error) {
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid JID: %w", err)
	}

	if cfg.Resource != "" {
		j, err = j.WithResource(cfg.Resource)
		if err != nil {
			return nil, fmt.Errorf("invalid resource: %w", err)
		}
	}

	if cfg.Port == 0 {
		cfg.Port = 5222
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		jid:       j,
		password:  cfg.Password,
		server:    cfg.Server,
		port:      cfg.Port,
		reconnect: cfg.Reconnect,
		delay:     cfg.ReconnectDelay,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.dialFn = c.dial
	return c, nil
}

// Connect establishes a connection to the XMPP server. The online handler
// fires after the lock is released so it can call back into the transport.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()

	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("transport closed")
	}

	err := c.dialFn(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if c.onOnline != nil {
		c.onOnline()
	}

	return nil
}

// dial opens the TCP connection, negotiates the XMPP stream and starts the
// read loop. Caller holds c.mu.
func (c *Conn) dial(ctx context.Context) error {
	server := c.server
	if server == "" {
		server = c.jid.Domain().String()
	}

	addr := fmt.Sprintf("%s:%d", server, c.port)

	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: c.jid.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", c.password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(ctx, c.jid.Domain(), c.jid, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to negotiate session: %w", err)
	}

	c.session = session
	c.netConn = conn
	c.connected = true

	// Update JID with the resource assigned by the server
	c.jid = session.LocalAddr()

	go c.readLoop(session)

	return nil
}

// readLoop decodes inbound stanzas and delivers them in receipt order.
func (c *Conn) readLoop(session *xmpp.Session) {
	decoder := xml.NewTokenDecoder(session.TokenReader())

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		tok, err := decoder.Token()
		if err != nil {
			if err != io.EOF && c.onError != nil {
				c.onError(err)
			}
			c.handleStreamDown(err)
			return
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var st any
		switch start.Name.Local {
		case "message":
			msg := &stanza.Message{}
			err = decoder.DecodeElement(msg, &start)
			st = msg
		case "presence":
			p := &stanza.Presence{}
			err = decoder.DecodeElement(p, &start)
			st = p
		case "iq":
			iq := &stanza.IQ{}
			err = decoder.DecodeElement(iq, &start)
			st = iq
		default:
			if err := decoder.Skip(); err != nil {
				c.handleStreamDown(err)
				return
			}
			continue
		}

		if err != nil {
			logging.Warn("failed to decode %s stanza: %v", start.Name.Local, err)
			if c.onError != nil {
				c.onError(err)
			}
			continue
		}

		if c.onStanza != nil {
			c.onStanza(st)
		}
	}
}

// handleStreamDown runs when the read loop exits. Depending on configuration
// it either reports a terminal disconnect or enters the reconnect loop.
func (c *Conn) handleStreamDown(err error) {
	c.mu.Lock()
	c.connected = false
	c.session = nil
	c.netConn = nil
	closed := c.closed
	c.mu.Unlock()

	if closed || !c.reconnect {
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
		return
	}

	go c.reconnectLoop()
}

// reconnectLoop retries the connection until it succeeds or the transport is
// closed. Gives up into the offline state when the context is cancelled.
func (c *Conn) reconnectLoop() {
	if c.onReconnect != nil {
		c.onReconnect()
	}

	for {
		select {
		case <-c.ctx.Done():
			if c.onOffline != nil {
				c.onOffline()
			}
			return
		case <-time.After(c.delay):
		}

		metrics.Reconnects.Inc()

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			if c.onOffline != nil {
				c.onOffline()
			}
			return
		}
		err := c.dialFn(c.ctx)
		c.mu.Unlock()

		if err != nil {
			logging.Warn("reconnect failed: %v", err)
			continue
		}

		if c.onOnline != nil {
			c.onOnline()
		}
		return
	}
}

// Send encodes and transmits a stanza.
func (c *Conn) Send(ctx context.Context, v any) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return fmt.Errorf("not connected")
	}
	session := c.session
	c.mu.RUnlock()

	return session.Encode(ctx, v)
}

// SendRaw writes raw bytes to the underlying stream.
func (c *Conn) SendRaw(ctx context.Context, p []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return fmt.Errorf("not connected")
	}
	conn := c.netConn
	c.mu.RUnlock()

	_, err := conn.Write(p)
	return err
}

// Connected reports whether the stream is up.
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// JID returns the transport's negotiated JID.
func (c *Conn) JID() jid.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid
}

// Close tears the connection down; no reconnect follows.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	if c.session != nil {
		// Send unavailable presence before closing the stream
		_ = c.session.Encode(context.Background(), &stanza.Presence{
			Header: stanza.Header{Type: stanza.TypeUnavailable},
		})
		_ = c.session.Close()
	}
	if c.netConn != nil {
		_ = c.netConn.Close()
	}

	c.connected = false
	c.session = nil
	c.netConn = nil

	return nil
}

func (c *Conn) SetStanzaHandler(handler func(v any)) { c.onStanza = handler }

func (c *Conn) SetOnlineHandler(handler func()) { c.onOnline = handler }

func (c *Conn) SetOfflineHandler(handler func()) { c.onOffline = handler }

func (c *Conn) SetReconnectHandler(handler func()) { c.onReconnect = handler }

func (c *Conn) SetDisconnectHandler(handler func(err error)) { c.onDisconnect = handler }

func (c *Conn) SetErrorHandler(handler func(err error)) { c.onError = handler }
