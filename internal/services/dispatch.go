// Package services – message dispatch
//
// This file maps each inbound message type onto a processing plan: either an
// immediate reply (menu events, unsupported types) or an AI invocation with a
// type-specific query and inputs map. Dispatch is a plain map of message type
// to planner function; unknown types fall through to the unsupported planner.
package services

import (
	"fmt"

	"github.com/bikeread/dify-wechat-plugin/internal/wechat"
)

// Reply texts for paths that never reach the AI backend.
const (
	unsupportedReply  = "currently only text messages are supported"
	contextClearedOK  = "conversation context has been cleared, you can start a new conversation."
	contextClearedErr = "failed to clear conversation context, please try again later."
	historyClearedOK  = "history chat records have been cleared"
	historyClearedErr = "failed to clear history records, please try again later"
)

// plan describes how one delivery is processed.
type plan struct {
	// direct short-circuits the AI: reply immediately with Reply.
	direct bool
	reply  string
	// clearContext clears the stored conversation before the direct reply.
	clearContext bool

	// AI invocation, when direct is false.
	query  string
	inputs map[string]any
	prefix string // prepended to the AI answer (voice recognition)
}

type planner func(*wechat.Message) plan

var planners = map[string]planner{
	wechat.MsgTypeText:  planText,
	wechat.MsgTypeImage: planImage,
	wechat.MsgTypeVoice: planVoice,
	wechat.MsgTypeLink:  planLink,
	wechat.MsgTypeEvent: planEvent,
}

// planDelivery selects the planner for the message type. Types without a
// planner (video, shortvideo, location, anything unknown) get the
// unsupported reply.
func planDelivery(msg *wechat.Message) plan {
	if p, ok := planners[msg.MsgType]; ok {
		return p(msg)
	}
	return plan{direct: true, reply: unsupportedReply}
}

func commonInputs(msg *wechat.Message) map[string]any {
	return map[string]any{
		"msgId":      msg.MsgID,
		"msgType":    msg.MsgType,
		"fromUser":   msg.FromUser,
		"createTime": msg.CreateTime,
	}
}

func planText(msg *wechat.Message) plan {
	return plan{query: msg.Content, inputs: commonInputs(msg)}
}

func planImage(msg *wechat.Message) plan {
	inputs := commonInputs(msg)
	inputs["picUrl"] = msg.PicURL
	return plan{
		query:  fmt.Sprintf("[image] URL: %s", msg.PicURL),
		inputs: inputs,
	}
}

func planVoice(msg *wechat.Message) plan {
	inputs := commonInputs(msg)
	inputs["mediaId"] = msg.MediaID
	if msg.Recognition != "" {
		return plan{
			query:  msg.Recognition,
			inputs: inputs,
			prefix: "您的语音内容：\n",
		}
	}
	return plan{
		query:  "您发送了一条语音消息，但我无法识别其中的内容。请尝试发送文字消息。",
		inputs: inputs,
	}
}

func planLink(msg *wechat.Message) plan {
	desc := msg.Description
	if desc == "" {
		desc = "no description"
	}
	return plan{
		query:  fmt.Sprintf("[link] title: %s\ndescription: %s\nURL: %s", msg.Title, desc, msg.URL),
		inputs: commonInputs(msg),
	}
}

func planEvent(msg *wechat.Message) plan {
	switch msg.Event {
	case wechat.EventSubscribe:
		return plan{
			query: "user subscribed to the public account",
			inputs: map[string]any{
				"event":   msg.Event,
				"msgType": msg.MsgType,
			},
		}
	case wechat.EventClick:
		if msg.EventKey == wechat.EventKeyClearContext {
			return plan{direct: true, clearContext: true, reply: contextClearedOK}
		}
		return plan{direct: true, reply: fmt.Sprintf("you clicked the custom menu: %s", msg.EventKey)}
	default:
		// unsubscribe, VIEW and unknown events get no reply.
		return plan{direct: true}
	}
}
