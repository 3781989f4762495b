package wechat

import (
	"encoding/xml"
	"errors"
	"fmt"
)

// Message types delivered by the official-account platform.
const (
	MsgTypeText       = "text"
	MsgTypeImage      = "image"
	MsgTypeVoice      = "voice"
	MsgTypeVideo      = "video"
	MsgTypeShortVideo = "shortvideo"
	MsgTypeLocation   = "location"
	MsgTypeLink       = "link"
	MsgTypeEvent      = "event"
)

// Event types carried by event messages.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventClick       = "CLICK"
	EventView        = "VIEW"
)

// EventKeyClearContext is the menu key that clears the stored conversation.
const EventKeyClearContext = "CLEAR_CONTEXT"

// ErrMalformedMessage means the message XML could not be parsed or lacks
// the mandatory common fields.
var ErrMalformedMessage = errors.New("wechat: malformed message")

// Message is a decoded official-account message. One struct covers all
// delivery types; type-specific fields are zero for other types.
type Message struct {
	XMLName    xml.Name `xml:"xml"`
	MsgType    string   `xml:"MsgType"`
	FromUser   string   `xml:"FromUserName"`
	ToUser     string   `xml:"ToUserName"`
	CreateTime string   `xml:"CreateTime"`
	MsgID      string   `xml:"MsgId"`

	// text
	Content string `xml:"Content"`

	// image
	PicURL  string `xml:"PicUrl"`
	MediaID string `xml:"MediaId"`

	// voice
	Format      string `xml:"Format"`
	Recognition string `xml:"Recognition"`

	// video / shortvideo
	ThumbMediaID string `xml:"ThumbMediaId"`

	// location
	LocationX string `xml:"Location_X"`
	LocationY string `xml:"Location_Y"`
	Scale     string `xml:"Scale"`
	Label     string `xml:"Label"`

	// link
	Title       string `xml:"Title"`
	Description string `xml:"Description"`
	URL         string `xml:"Url"`

	// event
	Event    string `xml:"Event"`
	EventKey string `xml:"EventKey"`
	Ticket   string `xml:"Ticket"`
}

// ParseMessage decodes a message XML payload. The common fields MsgType,
// FromUserName and CreateTime must be present; type-specific fields are
// taken as delivered.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.MsgType == "" || m.FromUser == "" || m.CreateTime == "" {
		return nil, fmt.Errorf("%w: missing common fields", ErrMalformedMessage)
	}
	return &m, nil
}

// TrackingKey derives the identity under which redeliveries of this message
// correlate. Event messages have no MsgId, so sender, event type and creation
// time stand in for it. A message with neither yields "" and the caller must
// fall back to untracked handling.
func (m *Message) TrackingKey() string {
	if m.MsgType == MsgTypeEvent {
		return fmt.Sprintf("%s_%s_%s", m.FromUser, m.Event, m.CreateTime)
	}
	return m.MsgID
}

// IsEvent reports whether the message is an event delivery.
func (m *Message) IsEvent() bool { return m.MsgType == MsgTypeEvent }
