// Package signaling implements the Signaling Client Set (spec.md §4.5): one
// XMPP session per configured host, joining the brewery MUC, publishing
// idle/busy presence, decoding inbound jibri command IQs into validated
// session.Request values, and draining an outbound StatusMessage queue at a
// fixed cadence into presence updates and status IQs (spec.md §6).
package signaling

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/dial"
	"mellium.im/xmpp/jid"

	"github.com/jitsi/jibri/internal/config"
	"github.com/jitsi/jibri/internal/controller"
	"github.com/jitsi/jibri/internal/errorkind"
	"github.com/jitsi/jibri/internal/logging"
	"github.com/jitsi/jibri/internal/session"
)

var log = logging.L("signaling")

// drainInterval is the outbound queue cadence spec.md §4.5 point 3 fixes
// at 1 second.
const drainInterval = 1 * time.Second

// SessionController is the subset of *controller.Controller a Client
// depends on. Narrowed to an interface so tests can fake session lifecycle
// behavior without a real Supervisor/Watchdog/browser stack.
type SessionController interface {
	Start(ctx context.Context, req session.Request, client *config.ClientConfig) (controller.StartResult, error)
	Stop(sessionID string, kind errorkind.Kind)
}

// Client is one signaling host's XMPP session: its own goroutine, its own
// outbound queue, implementing controller.StatusSink so the Session
// Controller can fan status out to it.
type Client struct {
	cc   *config.ClientConfig
	ctrl SessionController

	tlsConfig *tls.Config

	mu    sync.Mutex
	queue []session.StatusMessage

	writeMu sync.Mutex
	sess    *xmpp.Session

	currentMu     sync.Mutex
	current       string // session ID this client most recently started, for Stop correlation
	controllerJID string // "from" of the start IQ; status reports target this JID

	stateMu   sync.Mutex
	connected bool
	lastDrain time.Time
}

// New constructs a Client for one resolved ClientConfig. tlsConfig may be
// nil, meaning password auth only (spec.md §6 carries no mTLS requirement;
// internal/mtls.BuildTLSConfig supplies this when configured).
func New(cc *config.ClientConfig, ctrl SessionController, tlsConfig *tls.Config) *Client {
	return &Client{cc: cc, ctrl: ctrl, tlsConfig: tlsConfig}
}

// Host implements controller.StatusSink.
func (c *Client) Host() string { return c.cc.Host }

// Environment reports the environment label this client's host was
// resolved under, for the REST health surface.
func (c *Client) Environment() string { return c.cc.EnvironmentLabel }

// Enqueue implements controller.StatusSink (spec.md §3: "single-producer
// single-consumer outbound queue, thread-safe").
func (c *Client) Enqueue(msg session.StatusMessage) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
}

// dequeueAll drains and returns the current queue contents in FIFO order.
func (c *Client) dequeueAll() []session.StatusMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	return out
}

// Run connects, joins the room, and serves the session until ctx is
// canceled or the connection is lost. It is meant to be called from a
// suture.Service's Serve method, which restarts it on a non-nil error
// return (spec.md §9's per-host supervision).
func (c *Client) Run(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return fmt.Errorf("signaling %s: connect: %w", c.cc.Host, err)
	}
	defer c.sess.Close()
	defer c.setConnected(false)

	if err := c.joinRoom(); err != nil {
		return fmt.Errorf("signaling %s: join room: %w", c.cc.Host, err)
	}
	if err := c.publishPresence(statusIdle); err != nil {
		log.Warn("initial presence publish failed", "host", c.cc.Host, "error", err)
	}
	c.setConnected(true)

	drainCtx, cancelDrain := context.WithCancel(ctx)
	defer cancelDrain()
	go c.drainLoop(drainCtx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- c.sess.Serve(c) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return err
	}
}

// setConnected records the current boolean connection state. The REST
// health route reads it through IsConnected; nothing blocks waiting for a
// connection to come up.
func (c *Client) setConnected(v bool) {
	c.stateMu.Lock()
	c.connected = v
	c.stateMu.Unlock()
}

// IsConnected reports the client's current boolean XMPP connection state.
func (c *Client) IsConnected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.connected
}

// LastDrain reports when this client last completed an outbound-queue
// drain cycle, ticking every drainInterval regardless of whether the queue
// held any messages. The REST health surface treats staleness here as
// "signaling unhealthy" (spec.md §9 Open Questions resolution #3).
func (c *Client) LastDrain() time.Time {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastDrain
}

func (c *Client) markDrained() {
	c.stateMu.Lock()
	c.lastDrain = time.Now()
	c.stateMu.Unlock()
}

// drainLoop implements spec.md §4.5 point 3: drain the outbound queue at a
// fixed 1-s cadence, translating each StatusMessage into a presence update
// or status IQ. A Poison message (spec.md §4.5 point 5) disconnects and
// aborts the client.
func (c *Client) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, msg := range c.dequeueAll() {
				if msg.Poison {
					log.Info("signaling client poisoned, disconnecting", "host", c.cc.Host)
					c.sess.Close()
					return
				}
				if err := c.sendStatus(msg); err != nil {
					log.Warn("status send failed", "host", c.cc.Host, "error", err)
				}
			}
			c.markDrained()
		}
	}
}

// sendStatus translates one StatusMessage into the wire form spec.md §6
// describes: idle/busy as MUC presence, everything else as a status-set IQ
// to the controller JID captured at start time.
func (c *Client) sendStatus(msg session.StatusMessage) error {
	switch msg.Tag {
	case session.StatusIdle:
		return c.publishPresence(statusIdle)
	case session.StatusBusy:
		return c.publishPresence(statusBusy)
	case session.StatusHealth:
		return nil // queue-drain itself is the liveness signal; see LastDrain
	case session.StatusStarted, session.StatusOn:
		return c.sendStatusIQ("on", msg.SIPAddress, nil)
	case session.StatusStopped, session.StatusOff:
		return c.sendStatusIQ("off", msg.SIPAddress, nil)
	case session.StatusError:
		return c.sendErrorStatus(msg.Kind, msg.SIPAddress)
	default:
		return nil
	}
}

// sendErrorStatus encodes a failure as a status-set IQ with status=failed
// (or status=off for the forced-off kinds) and the fixed human text plus
// optional retry hint spec.md §4.5/§7 describe.
func (c *Client) sendErrorStatus(kind errorkind.Kind, sip string) error {
	status := "failed"
	if kind.ForcesOffStatus() {
		return c.sendStatusIQ("off", sip, nil)
	}

	errExt := &statusError{Type: "wait", Code: "504", Text: kind.String()}
	if kind.RetryHint() {
		errExt.Retry = &struct{}{}
	}
	return c.sendStatusIQ(status, sip, errExt)
}

// sendStatusIQ builds and writes the outbound status-set IQ, addressed to
// the controller JID captured from the most recent start command (spec.md
// §6: "Status IQ is type=set, to the controller JID"). If no controller JID
// has been captured yet (no session has started on this client), the
// message is silently dropped — there is no one to report to.
func (c *Client) sendStatusIQ(status, sip string, errExt *statusError) error {
	c.currentMu.Lock()
	to := c.controllerJID
	c.currentMu.Unlock()
	if to == "" {
		return nil
	}

	var iq statusSetIQ
	iq.To = to
	iq.Type = "set"
	iq.Jibri.Status = status
	iq.Jibri.SIPAddress = sip
	iq.Jibri.Error = errExt
	return c.writeStanza(&iq)
}

func (c *Client) connect(ctx context.Context) error {
	j, err := jid.Parse(c.cc.JID)
	if err != nil {
		return fmt.Errorf("parse jid %q: %w", c.cc.JID, err)
	}

	conn, err := dial.Client(ctx, "tcp", j)
	if err != nil {
		return err
	}

	tlsConfig := c.tlsConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: j.Domain().String()}
	}

	sess, err := xmpp.NewClientSession(
		ctx, j, conn,
		xmpp.StartTLS(tlsConfig),
		xmpp.SASL("", c.cc.Password.Reveal(), sasl.Plain),
		xmpp.BindResource(),
	)
	if err != nil {
		return err
	}
	c.sess = sess
	return nil
}

// joinRoom sends XEP-0045 entry presence to the brewery MUC room.
func (c *Client) joinRoom() error {
	var p mucJoinPresence
	p.To = c.cc.Room + "/" + firstNonEmpty(c.cc.Nickname, "jibri")
	p.X.Password = c.cc.RoomPassword
	return c.writeStanza(&p)
}

const (
	statusIdle = "idle"
	statusBusy = "busy"
)

// publishPresence sends the jibri-status presence update (spec.md §6).
func (c *Client) publishPresence(status string) error {
	var p presenceStatus
	p.To = c.cc.Room
	p.Status.Status = status
	return c.writeStanza(&p)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// writeStanza serializes v over the session's output stream. Writes are
// serialized through writeMu: Session.EncodeToken/Flush only take a read
// lock internally (multiple concurrent stream negotiations are safe), so
// without this mutex two goroutines marshaling different stanzas at once
// could interleave their token streams.
func (c *Client) writeStanza(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wireEncode(c.sess.TokenWriter(), v)
}

// HandleXMPP implements xmpp.Handler, dispatching inbound top-level stanzas.
// Only <iq type="set"> carrying a <jibri> child is acted on; everything
// else (pings, disco queries, presence reflections, MUC history) is left
// for the Session's own post-handler drain to discard.
func (c *Client) HandleXMPP(t xmlstream.TokenReadWriter, start *xml.StartElement) error {
	if start.Name.Local != "iq" || attrValue(start, "type") != "set" {
		return nil
	}

	id := attrValue(start, "id")
	from := attrValue(start, "from")

	cmd, found, err := readJibriChild(t)
	if err != nil || !found || cmd.Action == "" {
		// Not a jibri command (or malformed/absent child): ignore rather
		// than fail the whole stream over an unrelated stanza.
		return nil
	}

	switch cmd.Action {
	case "start":
		return c.handleStart(t, id, from, cmd)
	case "stop":
		return c.handleStop(t, id, from)
	default:
		return c.writeError(t, id, from, 501, "Action not implemented")
	}
}

// attrValue reads a single unqualified attribute off a start element.
func attrValue(start *xml.StartElement, local string) string {
	for _, a := range start.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// readJibriChild scans the inner content of the current element (t yields
// only the iq's children, per xmpp.Session's inner-scoped reader) looking
// for a <jibri> child and decodes just that self-contained element. Any
// read error — including the expected end-of-inner-content signal once no
// such child exists — is reported as found=false rather than propagated,
// since most inbound IQs (pings, disco) carry no jibri payload at all.
func readJibriChild(t xmlstream.TokenReadWriter) (jibriCommand, bool, error) {
	for {
		tok, err := t.Token()
		if err != nil {
			return jibriCommand{}, false, nil
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != "jibri" {
			continue
		}
		var cmd jibriCommand
		if err := xml.NewTokenDecoder(t).DecodeElement(&cmd, &se); err != nil {
			return jibriCommand{}, false, err
		}
		return cmd, true, nil
	}
}

func (c *Client) handleStart(t xmlstream.TokenReadWriter, id, from string, cmd jibriCommand) error {
	req := session.Request{
		URL:           cmd.URL,
		Room:          cmd.Room,
		StreamID:      cmd.StreamID,
		SIPAddress:    cmd.SIPAddress,
		DisplayName:   cmd.DisplayName,
		RecordingName: cmd.RecordingName,
		BackupFlag:    cmd.BackupStream == "true",
		Token:         cmd.Token,
		Origin:        session.Origin{Signaling: c.cc.Host},
	}
	switch cmd.RecordingMode {
	case "file":
		req.Mode = session.ModeFile
	case "sip":
		req.Mode = session.ModeSIP
	default:
		if req.StreamID != "" {
			req.Mode = session.ModeStream
		} else if req.SIPAddress != "" {
			req.Mode = session.ModeSIP
		} else {
			req.Mode = session.ModeFile
		}
	}

	// spec.md §4.5 point 2: missing stream_id/sip_address/recording_mode, or
	// missing room/url, both reply 501 before any attempt to forward.
	if cmd.StreamID == "" && cmd.SIPAddress == "" && cmd.RecordingMode == "" {
		return c.writeError(t, id, from, 501, "Missing required fields")
	}
	if req.Room == "" && req.URL == "" {
		return c.writeError(t, id, from, 501, "Missing required fields")
	}

	if err := req.Validate(); err != nil {
		return c.writeError(t, id, from, 501, err.Error())
	}

	res, err := c.ctrl.Start(context.Background(), req, c.cc)
	if err != nil {
		return c.writeError(t, id, from, 503, "Instance already in use")
	}

	c.currentMu.Lock()
	c.current = res.SessionID
	c.controllerJID = from
	c.currentMu.Unlock()

	var reply resultIQ
	reply.ID = id
	reply.To = from
	reply.Type = "result"
	reply.State = "pending"
	return writeTo(t, &reply)
}

func (c *Client) handleStop(t xmlstream.TokenReadWriter, id, from string) error {
	c.currentMu.Lock()
	sessID := c.current
	c.currentMu.Unlock()

	var reply resultIQ
	reply.ID = id
	reply.To = from
	reply.Type = "result"
	reply.State = "stopping"
	if err := writeTo(t, &reply); err != nil {
		return err
	}

	c.ctrl.Stop(sessID, errorkind.XMPPStop)
	return nil
}

func (c *Client) writeError(t xmlstream.TokenReadWriter, id, to string, code int, text string) error {
	var reply errorIQ
	reply.ID = id
	reply.To = to
	reply.Type = "error"
	reply.Error.Code = fmt.Sprintf("%d", code)
	reply.Error.Type = "cancel"
	reply.Error.Text = text
	return writeTo(t, &reply)
}

// writeTo encodes v onto an inbound Handler's reply writer, which shares
// the EncodeToken/Flush contract wireEncode needs.
func writeTo(t xmlstream.TokenReadWriter, v interface{}) error {
	return wireEncode(t, v)
}

