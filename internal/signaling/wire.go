package signaling

import (
	"bytes"
	"encoding/xml"
	"io"
)

// jibriCommand is the inbound IQ payload spec.md §6 defines: an <iq
// type="set"> carrying a <jibri> child in the jibri namespace with the
// requested action and its parameters.
type jibriCommand struct {
	XMLName       xml.Name `xml:"http://jitsi.org/protocol/jibri jibri"`
	Action        string   `xml:"action,attr"`
	URL           string   `xml:"url,attr,omitempty"`
	Room          string   `xml:"room,attr,omitempty"`
	StreamID      string   `xml:"streamid,attr,omitempty"`
	SIPAddress    string   `xml:"sipaddress,attr,omitempty"`
	DisplayName   string   `xml:"displayname,attr,omitempty"`
	RecordingMode string   `xml:"recording_mode,attr,omitempty"`
	RecordingName string   `xml:"recording_name,attr,omitempty"`
	BackupStream  string   `xml:"backup_stream,attr,omitempty"`
	Token         string   `xml:"token,attr,omitempty"`
}

// statusError is the failure extension spec.md §6 describes: "type=wait /
// remote-server-timeout (code 504) with a human text and an optional retry
// child ... when jicofo retry is meaningful."
type statusError struct {
	Type    string   `xml:"type,attr"`
	Code    string   `xml:"code,attr"`
	Timeout struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas remote-server-timeout"`
	Text    string   `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text,omitempty"`
	Retry   *struct{} `xml:"http://jitsi.org/protocol/jibri retry,omitempty"`
}

// jibriStatus is the <jibri> child of an outbound status-set IQ (spec.md
// §6: "status ∈ {off, on, failed} and optional sipaddress").
type jibriStatus struct {
	XMLName    xml.Name     `xml:"http://jitsi.org/protocol/jibri jibri"`
	Status     string       `xml:"status,attr"`
	SIPAddress string       `xml:"sipaddress,attr,omitempty"`
	Error      *statusError `xml:"error,omitempty"`
}

// statusSetIQ is the outbound status report: "type=set, to the controller
// JID, with a jibri child."
type statusSetIQ struct {
	XMLName xml.Name    `xml:"jabber:client iq"`
	ID      string      `xml:"id,attr"`
	To      string      `xml:"to,attr"`
	Type    string      `xml:"type,attr"`
	Jibri   jibriStatus `xml:"http://jitsi.org/protocol/jibri jibri"`
}

// resultIQ replies to an inbound start/stop command.
type resultIQ struct {
	XMLName xml.Name `xml:"jabber:client iq"`
	ID      string   `xml:"id,attr"`
	To      string   `xml:"to,attr"`
	Type    string   `xml:"type,attr"` // "result"
	State   string   `xml:"state,attr,omitempty"`
}

// iqError is the <error> child of a failed reply IQ. Both conditions
// spec.md §6 lists for an invalid start IQ are "service-unavailable",
// distinguished only by the code attribute (503 slot held, 501 missing
// field), so a single condition element covers both.
type iqError struct {
	Code               string   `xml:"code,attr"`
	Type               string   `xml:"type,attr"`
	ServiceUnavailable struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas service-unavailable"`
	Text               string   `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text,omitempty"`
}

// errorIQ replies to an inbound start IQ that cannot be satisfied (spec.md
// §6: "503 service-unavailable (slot held) or 501 service-unavailable
// (missing field)").
type errorIQ struct {
	XMLName xml.Name `xml:"jabber:client iq"`
	ID      string   `xml:"id,attr"`
	To      string   `xml:"to,attr"`
	Type    string   `xml:"type,attr"` // "error"
	Error   iqError  `xml:"error"`
}

// presenceStatus is the MUC presence carrying a jibri-status child (spec.md
// §6: "Presence carries a jibri-status child with status ∈ {idle, busy}").
type presenceStatus struct {
	XMLName xml.Name `xml:"jabber:client presence"`
	To      string   `xml:"to,attr"`
	ID      string   `xml:"id,attr,omitempty"`
	Status  struct {
		XMLName xml.Name `xml:"http://jitsi.org/protocol/jibri jibri-status"`
		Status  string   `xml:"status,attr"`
	}
}

// mucJoinPresence joins the brewery room with an empty MUC extension, the
// minimal form of XEP-0045 entry presence.
type mucJoinPresence struct {
	XMLName xml.Name `xml:"jabber:client presence"`
	To      string   `xml:"to,attr"`
	ID      string   `xml:"id,attr,omitempty"`
	X       struct {
		XMLName  xml.Name `xml:"http://jabber.org/protocol/muc x"`
		Password string   `xml:"password,omitempty"`
	}
}

// tokenSink is the subset of *xmpp.Session this package writes stanzas to.
// Narrowed to an interface so wireEncode and its callers don't need the
// whole Session type in scope, and so tests can fake it.
type tokenSink interface {
	EncodeToken(t xml.Token) error
	Flush() error
}

// wireEncode marshals v with encoding/xml and replays the resulting token
// stream onto w. mellium's Session exposes EncodeToken/Flush (the
// xmlstream.TokenWriter half of the wire), not a generic Marshal, so any
// struct built with standard xml tags is bridged onto it this way.
func wireEncode(w tokenSink, v interface{}) error {
	b, err := xml.Marshal(v)
	if err != nil {
		return err
	}
	dec := xml.NewDecoder(bytes.NewReader(b))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := w.EncodeToken(tok); err != nil {
			return err
		}
	}
	return w.Flush()
}
