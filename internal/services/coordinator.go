// Package services – Coordinator
//
// This file implements the per-delivery coordination state machine. WeChat
// grants a webhook five seconds to answer and redelivers a message up to two
// more times when it gets no answer. The Coordinator turns that redelivery
// budget into extra waiting time: the first delivery starts the AI worker and
// waits the synchronous budget; redeliveries re-attach to the same tracked
// entry and wait a reduced budget; the final redelivery either falls back to
// out-of-band push (custom-message mode) or invites the user into an
// interactive continuation loop.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bikeread/dify-wechat-plugin/internal/config"
	"github.com/bikeread/dify-wechat-plugin/internal/dify"
	"github.com/bikeread/dify-wechat-plugin/internal/track"
	"github.com/bikeread/dify-wechat-plugin/internal/wechat"
)

// ClearHistoryCommand is the control phrase that wipes the stored
// conversation and short-circuits the coordination protocol entirely.
const ClearHistoryCommand = "/clear"

// Fallback texts for abnormal result states.
const (
	emptyResultReply   = "抱歉，处理结果为空"
	pushFallbackReply  = "抱歉，无法获取处理结果"
	watcherTimeoutText = "processing timed out, please try again"
	watcherTimeoutErr  = "processing timed out (>5 minutes)"
)

// AIClient is the streaming AI backend contract used by the worker.
type AIClient interface {
	Invoke(ctx context.Context, req dify.InvokeRequest) (<-chan dify.Chunk, error)
}

// Pusher sends a text message outside the webhook request/response cycle.
type Pusher interface {
	SendText(ctx context.Context, openID, content string) error
}

// ConversationStore is the per-user conversation binding contract.
type ConversationStore interface {
	Get(ctx context.Context, user string) (string, error)
	Save(ctx context.Context, user, conversationID string) error
	Clear(ctx context.Context, user string) error
}

// Outcome is the coordinator's verdict on one delivery.
type Outcome struct {
	// Retry asks the platform to redeliver (HTTP 500, empty body).
	Retry bool
	// Reply is the plaintext reply XML. Empty with Retry unset means an
	// empty 200 body: acknowledge and stay silent.
	Reply string
}

// Coordinator runs the delivery coordination protocol.
type Coordinator struct {
	Store         *track.Store
	Waiting       *track.WaitingManager
	Conversations ConversationStore
	AI            AIClient
	Pusher        Pusher

	Proto  config.CoordinatorConfig
	Stream config.DifyConfig
}

// NewCoordinator wires a Coordinator from its collaborators.
func NewCoordinator(store *track.Store, waiting *track.WaitingManager,
	conversations ConversationStore, ai AIClient, pusher Pusher,
	proto config.CoordinatorConfig, stream config.DifyConfig) *Coordinator {
	return &Coordinator{
		Store:         store,
		Waiting:       waiting,
		Conversations: conversations,
		AI:            ai,
		Pusher:        pusher,
		Proto:         proto,
		Stream:        stream,
	}
}

// HandleDelivery runs one delivery through the state machine and returns the
// verdict. It never returns an error: faults degrade to an empty
// acknowledgment so the platform does not hammer a broken deployment.
func (c *Coordinator) HandleDelivery(ctx context.Context, msg *wechat.Message) Outcome {
	path, out := c.route(ctx, msg)
	deliveriesTotal.WithLabelValues(path, outcomeLabel(out)).Inc()
	return out
}

func (c *Coordinator) route(ctx context.Context, msg *wechat.Message) (string, Outcome) {
	if msg.MsgType == wechat.MsgTypeText && strings.TrimSpace(msg.Content) == ClearHistoryCommand {
		return "clear", c.handleClear(ctx, msg)
	}

	entry, retryCount := c.Store.Track(msg.TrackingKey())

	// A continuation acknowledgment re-attaches to the user's still-running
	// original message instead of starting a new one. Only interactive mode
	// uses the loop; custom-message mode treats the ack as a normal message.
	if msg.Content == c.Proto.ContinueAck && !c.Proto.EnableCustomMessage {
		if waiting, ok := c.Waiting.Get(msg.FromUser); ok {
			return "continuation", c.handleContinuation(msg, retryCount, waiting)
		}
	}

	if retryCount > 0 {
		return "retry", c.handleRetry(msg, entry, retryCount)
	}
	return "first", c.handleFirst(msg, entry)
}

func (c *Coordinator) handleClear(ctx context.Context, msg *wechat.Message) Outcome {
	text := historyClearedOK
	if err := c.Conversations.Clear(ctx, msg.FromUser); err != nil {
		log.Error().Err(err).Str("user", msg.FromUser).Msg("clear conversation failed")
		text = historyClearedErr
	}
	return Outcome{Reply: wechat.FormatTextReply(msg, text)}
}

// handleFirst starts the AI worker and waits the synchronous budget.
func (c *Coordinator) handleFirst(msg *wechat.Message, entry *track.Entry) Outcome {
	go c.process(msg, entry)

	select {
	case <-entry.Done():
		result, _ := entry.Result()
		entry.MarkReturned()
		// Some deliveries (unsubscribe, unknown events) are deliberately
		// answered with silence.
		if result == "" {
			return Outcome{}
		}
		return Outcome{Reply: wechat.FormatTextReply(msg, result)}
	case <-time.After(c.Proto.SyncTimeout):
		if c.Proto.EnableCustomMessage {
			go c.watch(msg, entry)
		}
		return Outcome{Retry: true}
	}
}

// handleRetry re-attaches a redelivery to the tracked entry and waits the
// reduced retry budget.
func (c *Coordinator) handleRetry(msg *wechat.Message, entry *track.Entry, retryCount int) Outcome {
	select {
	case <-entry.Done():
	case <-time.After(c.Proto.RetryWaitTimeout()):
	}

	if entry.Completed() {
		result := resultOrFallback(entry)
		if !entry.MarkReturned() {
			// Someone else already delivered; acknowledge silently.
			return Outcome{}
		}
		entry.SetSkipOutOfBand()
		entry.SignalRetryDone()
		return Outcome{Reply: wechat.FormatTextReply(msg, result)}
	}

	if retryCount < c.Proto.MaxRedeliveries {
		return Outcome{Retry: true}
	}

	// Final redelivery: last chance to put anything in the user's chat.
	if c.Proto.EnableCustomMessage {
		entry.SignalRetryDone()
		return Outcome{Reply: wechat.FormatTextReply(msg, c.Proto.TimeoutMessage)}
	}
	c.Waiting.SetWaiting(msg.FromUser, entry, c.Proto.MaxContinueRounds)
	return Outcome{Reply: wechat.FormatTextReply(msg, c.Proto.ContinueMessage)}
}

// handleContinuation serves a continuation acknowledgment: the user replied
// the ack phrase to keep waiting on their original message.
func (c *Coordinator) handleContinuation(msg *wechat.Message, retryCount int, waiting track.WaitingInfo) Outcome {
	orig := waiting.Original
	if orig == nil {
		c.Waiting.Clear(msg.FromUser)
		return Outcome{Retry: true}
	}

	deliver := func() Outcome {
		c.Waiting.Clear(msg.FromUser)
		orig.MarkReturned()
		return Outcome{Reply: wechat.FormatTextReply(msg, resultOrFallback(orig))}
	}

	if orig.Completed() {
		return deliver()
	}
	select {
	case <-orig.Done():
	case <-time.After(c.Proto.RetryWaitTimeout()):
	}
	if orig.Completed() {
		return deliver()
	}

	if retryCount < c.Proto.MaxRedeliveries {
		return Outcome{Retry: true}
	}

	// Final redelivery of the ack itself: consume one continuation round.
	updated, ok := c.Waiting.HandleContinue(msg.FromUser)
	if !ok {
		return Outcome{Reply: wechat.FormatTextReply(msg, c.Proto.GiveUpMessage)}
	}
	if updated.ContinueCount >= updated.MaxContinue {
		c.Waiting.Clear(msg.FromUser)
		return Outcome{Reply: wechat.FormatTextReply(msg, c.Proto.GiveUpMessage)}
	}
	text := fmt.Sprintf("%s (剩余%d次机会)", c.Proto.ContinueMessage, updated.Remaining())
	c.Waiting.RefreshWindow(msg.FromUser)
	return Outcome{Reply: wechat.FormatTextReply(msg, text)}
}

// process runs the AI worker for one message. It always completes the entry;
// failures become the result text so a waiting delivery has something to say.
func (c *Coordinator) process(msg *wechat.Message, entry *track.Entry) {
	start := time.Now()
	defer func() { aiDuration.Observe(time.Since(start).Seconds()) }()

	// The webhook request is long gone by the time slow answers arrive, so
	// the worker runs on its own context bounded by the stream ceiling.
	ctx, cancel := context.WithTimeout(context.Background(), c.Stream.StreamCeiling)
	defer cancel()

	ctx, span := otel.Tracer("coordinator").Start(ctx, "process_message",
		trace.WithAttributes(
			attribute.String("wechat.msg_type", msg.MsgType),
			attribute.String("wechat.event", msg.Event),
		))
	defer span.End()

	p := planDelivery(msg)
	if p.direct {
		reply := p.reply
		if p.clearContext {
			if err := c.Conversations.Clear(ctx, msg.FromUser); err != nil {
				log.Error().Err(err).Str("user", msg.FromUser).Msg("clear context failed")
				reply = contextClearedErr
			}
		}
		entry.Complete(reply, "")
		return
	}

	conversationID, err := c.Conversations.Get(ctx, msg.FromUser)
	if err != nil {
		log.Warn().Err(err).Str("user", msg.FromUser).Msg("conversation lookup failed, starting fresh")
		conversationID = ""
	}

	ch, err := c.AI.Invoke(ctx, dify.InvokeRequest{
		Query:          p.query,
		Inputs:         p.inputs,
		ConversationID: conversationID,
		User:           msg.FromUser,
	})
	if err != nil {
		log.Error().Err(err).Str("user", msg.FromUser).Msg("AI invoke failed")
		entry.Complete(fmt.Sprintf("sorry, there was an issue processing your message: %v", err), err.Error())
		return
	}

	answer, aiErr := c.consume(ctx, ch, msg.FromUser, conversationID)
	if aiErr != nil {
		entry.Complete(fmt.Sprintf("error processing AI reply: %v", aiErr), aiErr.Error())
		return
	}
	if answer == "" {
		answer = "AI did not give a reply"
	}
	entry.Complete(p.prefix+answer, "")
}

// consume drains the chunk stream, accumulating answer fragments until the
// end event. A fresh conversation id is persisted as soon as the first chunk
// reveals it, so the binding survives even if the stream later fails. A chunk
// timeout truncates the stream and returns what has accumulated so far.
func (c *Coordinator) consume(ctx context.Context, ch <-chan dify.Chunk, user, conversationID string) (string, error) {
	var answer strings.Builder
	timer := time.NewTimer(c.Stream.ChunkTimeout)
	defer timer.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return answer.String(), nil
			}
			if chunk.Err != nil {
				return "", chunk.Err
			}
			if chunk.ConversationID != "" && chunk.ConversationID != conversationID {
				conversationID = chunk.ConversationID
				if err := c.Conversations.Save(ctx, user, conversationID); err != nil {
					log.Error().Err(err).Str("user", user).Msg("persist conversation id failed")
				}
			}
			answer.WriteString(chunk.Answer)
			if chunk.Event == dify.EventMessageEnd {
				return answer.String(), nil
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.Stream.ChunkTimeout)
		case <-timer.C:
			log.Warn().Str("user", user).Dur("chunk_timeout", c.Stream.ChunkTimeout).
				Msg("stream chunk timeout, truncating answer")
			return answer.String(), nil
		case <-ctx.Done():
			return answer.String(), nil
		}
	}
}

// watch is the out-of-band delivery path: it waits for the worker to finish,
// gives the synchronous retry protocol a grace period to deliver in-band,
// then claims the result and pushes it through the custom-message API.
func (c *Coordinator) watch(msg *wechat.Message, entry *track.Entry) {
	select {
	case <-entry.Done():
	case <-time.After(c.Proto.WatcherCompletionCeiling):
		entry.Complete(watcherTimeoutText, watcherTimeoutErr)
		return
	}

	select {
	case <-entry.RetryDone():
	case <-time.After(c.Proto.WatcherRetryGrace):
	}

	if entry.SkipOutOfBand() {
		return
	}
	if !entry.MarkReturned() {
		return
	}
	if c.Pusher == nil {
		log.Error().Str("user", msg.FromUser).Msg("custom message mode without a pusher")
		return
	}

	content, _ := entry.Result()
	if content == "" {
		content = pushFallbackReply
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Pusher.SendText(ctx, msg.FromUser, content); err != nil {
		pushesTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("user", msg.FromUser).Msg("custom message push failed")
		return
	}
	pushesTotal.WithLabelValues("ok").Inc()
}

func resultOrFallback(e *track.Entry) string {
	result, _ := e.Result()
	if result == "" {
		return emptyResultReply
	}
	return result
}
