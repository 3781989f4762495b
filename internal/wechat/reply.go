package wechat

import (
	"encoding/xml"
	"strconv"
	"time"
)

// textReply is the outbound text message shape required by the platform.
type textReply struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName cdata    `xml:"ToUserName"`
	FromUser   cdata    `xml:"FromUserName"`
	CreateTime string   `xml:"CreateTime"`
	MsgType    cdata    `xml:"MsgType"`
	Content    cdata    `xml:"Content"`
}

// FormatTextReply renders the XML text reply answering msg with content.
// Sender and receiver are swapped relative to the inbound message.
func FormatTextReply(msg *Message, content string) string {
	return formatTextReply(msg.FromUser, msg.ToUser, content)
}

func formatTextReply(toUser, fromUser, content string) string {
	out, err := xml.Marshal(textReply{
		ToUserName: cdata{toUser},
		FromUser:   cdata{fromUser},
		CreateTime: strconv.FormatInt(time.Now().Unix(), 10),
		MsgType:    cdata{MsgTypeText},
		Content:    cdata{content},
	})
	if err != nil {
		// Marshalling a struct of strings cannot fail at runtime.
		return ""
	}
	return string(out)
}
