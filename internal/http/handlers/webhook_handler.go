// WeChat webhook HTTP handlers.
//
// This file exposes the two endpoints the WeChat official-account platform
// calls:
//   - GET  {base}   (URL ownership handshake)
//   - POST {base}   (message and event deliveries)
//
// Handlers are transport-thin: they decode the wire envelope, hand the
// plaintext message to the delivery coordinator, and translate its verdict
// into the platform's HTTP vocabulary. An HTTP 500 with an empty body is a
// deliberate signal that asks the platform to redeliver; it is never used for
// internal faults.
package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bikeread/dify-wechat-plugin/internal/http/middleware"
	"github.com/bikeread/dify-wechat-plugin/internal/services"
	"github.com/bikeread/dify-wechat-plugin/internal/wechat"
)

// ackBody is the conventional acknowledgment the platform accepts when no
// reply is sent within the response window.
const ackBody = "success"

// DeliveryCoordinator runs one webhook delivery through the coordination
// protocol and returns the verdict.
//
// Implementations must be safe for concurrent use.
type DeliveryCoordinator interface {
	HandleDelivery(ctx context.Context, msg *wechat.Message) services.Outcome
}

// Handlers groups the webhook HTTP endpoints. It depends on the envelope
// codec and an abstract coordinator to keep transport concerns separate from
// protocol logic.
type Handlers struct {
	codec *wechat.Codec
	coord DeliveryCoordinator
}

// New constructs a Handlers instance bound to the given codec and coordinator.
func New(codec *wechat.Codec, coord DeliveryCoordinator) *Handlers {
	return &Handlers{codec: codec, coord: coord}
}

// requestParams collects the envelope query parameters from the request.
func requestParams(c *gin.Context) wechat.RequestParams {
	return wechat.RequestParams{
		Signature:    c.Query("signature"),
		MsgSignature: c.Query("msg_signature"),
		Timestamp:    c.Query("timestamp"),
		Nonce:        c.Query("nonce"),
		EncryptType:  c.Query("encrypt_type"),
		OpenID:       c.Query("openid"),
	}
}

// Verify handles the GET handshake. The platform proves URL ownership by
// sending a signed echostr; we echo it back (decrypted, in encrypted mode)
// when the signature checks out and refuse with 403 otherwise.
func (h *Handlers) Verify(c *gin.Context) {
	p := requestParams(c)
	echostr := c.Query("echostr")

	plain, err := h.codec.VerifyURL(p, echostr)
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("webhook handshake rejected")
		c.String(http.StatusForbidden, "forbidden")
		return
	}
	c.String(http.StatusOK, plain)
}

// Receive handles a POST delivery. Envelope faults are the caller's problem
// and get a 400; coordinator verdicts map to the protocol's HTTP vocabulary:
// Retry becomes an empty 500 so the platform redelivers, an empty reply
// becomes the "success" acknowledgment, and a reply is sealed back into the
// request's envelope surface.
func (h *Handlers) Receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable request body")
		return
	}
	p := requestParams(c)

	plain, _, err := h.codec.DecodeRequest(body, p)
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("envelope rejected")
		fail(c, http.StatusBadRequest, ErrCodeBadEnvelope, "invalid message envelope")
		return
	}

	msg, err := wechat.ParseMessage(plain)
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("malformed message payload")
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed message")
		return
	}

	out := h.coord.HandleDelivery(c.Request.Context(), msg)
	if out.Retry {
		// Empty 500: the redelivery solicitation, not an error page.
		c.Status(http.StatusInternalServerError)
		return
	}
	if out.Reply == "" {
		c.String(http.StatusOK, ackBody)
		return
	}

	jsonSurface := wechat.IsJSONSurface(c.ContentType(), body)
	wire, err := h.codec.EncodeReply(out.Reply, p, jsonSurface)
	if err != nil {
		// The delivery is already handled; a 500 here would trigger a
		// duplicate. Acknowledge and lose the reply.
		middleware.LoggerFrom(c).Error().Err(err).Msg("reply encryption failed")
		c.String(http.StatusOK, ackBody)
		return
	}

	contentType := "text/xml; charset=utf-8"
	if jsonSurface && p.EncryptType == "aes" {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(http.StatusOK, contentType, []byte(wire))
}
