package wechat

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
)

// RequestParams carries the webhook query parameters the codec cares about.
type RequestParams struct {
	Signature    string // signature (URL handshake)
	MsgSignature string // msg_signature (encrypted envelope)
	Timestamp    string
	Nonce        string
	EncryptType  string // encrypt_type ("aes" in encrypted mode)
	OpenID       string // openid
}

// Codec translates between wire envelopes and plaintext message payloads.
// It handles mixed traffic: a deployment switched to encrypted mode may still
// receive plaintext deliveries during the platform's migration window, so
// every request is probed before decryption is attempted.
type Codec struct {
	token  string
	crypto *Crypto // nil in plaintext-only deployments
}

// NewCodec builds a Codec. encodingAESKey == "" selects plaintext-only mode;
// otherwise appID is required and the AES envelope is enabled.
func NewCodec(token, encodingAESKey, appID string) (*Codec, error) {
	c := &Codec{token: token}
	if encodingAESKey != "" {
		crypto, err := NewCrypto(token, encodingAESKey, appID)
		if err != nil {
			return nil, err
		}
		c.crypto = crypto
	}
	return c, nil
}

// EncryptedMode reports whether the AES envelope is configured.
func (c *Codec) EncryptedMode() bool { return c.crypto != nil }

// encryptedEnvelope is the inbound envelope shape shared by XML and JSON.
type encryptedEnvelope struct {
	XMLName    xml.Name `xml:"xml" json:"-"`
	ToUserName string   `xml:"ToUserName" json:"ToUserName"`
	Encrypt    string   `xml:"Encrypt" json:"Encrypt"`
}

type cdata struct {
	Text string `xml:",cdata"`
}

type encryptedReplyXML struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

type encryptedReplyJSON struct {
	Encrypt      string `json:"Encrypt"`
	MsgSignature string `json:"MsgSignature"`
	TimeStamp    string `json:"TimeStamp"`
	Nonce        string `json:"Nonce"`
}

// DecodeRequest probes a request body and returns the plaintext message
// payload plus whether the request actually arrived encrypted. Plaintext
// passthrough applies when no AES key is configured, or when the request
// neither declares encrypt_type=aes nor carries a msg_signature, or when the
// envelope parameters are incomplete.
func (c *Codec) DecodeRequest(body []byte, p RequestParams) ([]byte, bool, error) {
	if c.crypto == nil {
		return body, false, nil
	}
	if p.EncryptType != "aes" && p.MsgSignature == "" {
		return body, false, nil
	}
	if p.MsgSignature == "" || p.Timestamp == "" || p.Nonce == "" {
		return body, false, nil
	}

	encrypt, err := extractEncrypt(body)
	if err != nil {
		return nil, true, err
	}
	if err := c.crypto.VerifySignature(p.MsgSignature, p.Timestamp, p.Nonce, encrypt); err != nil {
		return nil, true, err
	}
	plain, err := c.crypto.Decrypt(encrypt)
	if err != nil {
		return nil, true, err
	}
	return plain, true, nil
}

// EncodeReply seals a plaintext reply for the wire. A plaintext request (or a
// request without encrypt_type=aes) gets the reply back verbatim; an
// encrypted one gets a signed envelope in the same surface syntax as the
// request (jsonSurface selects the JSON envelope).
func (c *Codec) EncodeReply(reply string, p RequestParams, jsonSurface bool) (string, error) {
	if c.crypto == nil || p.EncryptType != "aes" {
		return reply, nil
	}
	if p.Timestamp == "" || p.Nonce == "" {
		return reply, nil
	}

	encrypt, err := c.crypto.Encrypt([]byte(reply))
	if err != nil {
		return "", err
	}
	signature := c.crypto.Signature(p.Timestamp, p.Nonce, encrypt)

	if jsonSurface {
		out, err := json.Marshal(encryptedReplyJSON{
			Encrypt:      encrypt,
			MsgSignature: signature,
			TimeStamp:    p.Timestamp,
			Nonce:        p.Nonce,
		})
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	out, err := xml.Marshal(encryptedReplyXML{
		Encrypt:      cdata{encrypt},
		MsgSignature: cdata{signature},
		TimeStamp:    p.Timestamp,
		Nonce:        cdata{p.Nonce},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// VerifyURL performs the GET handshake. In plaintext mode (or when no
// msg_signature arrives) it checks the 3-parameter signature and echoes
// echostr. In encrypted mode with a msg_signature it verifies the 4-parameter
// signature over the encrypted echostr and returns the decrypted value.
func (c *Codec) VerifyURL(p RequestParams, echostr string) (string, error) {
	if c.crypto != nil && p.MsgSignature != "" {
		if err := c.crypto.VerifySignature(p.MsgSignature, p.Timestamp, p.Nonce, echostr); err != nil {
			return "", err
		}
		plain, err := c.crypto.Decrypt(echostr)
		if err != nil {
			return "", err
		}
		return string(plain), nil
	}
	if !VerifyURLSignature(c.token, p.Signature, p.Timestamp, p.Nonce) {
		return "", ErrSignatureMismatch
	}
	return echostr, nil
}

// extractEncrypt pulls the Encrypt field out of an XML or JSON envelope.
func extractEncrypt(body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))
	var env encryptedEnvelope
	if strings.HasPrefix(trimmed, "<") {
		if err := xml.Unmarshal(body, &env); err != nil {
			return "", fmt.Errorf("%w: xml: %v", ErrMalformedEnvelope, err)
		}
	} else {
		if err := json.Unmarshal(body, &env); err != nil {
			return "", fmt.Errorf("%w: json: %v", ErrMalformedEnvelope, err)
		}
	}
	if env.Encrypt == "" {
		return "", fmt.Errorf("%w: missing Encrypt field", ErrMalformedEnvelope)
	}
	return env.Encrypt, nil
}

// IsJSONSurface reports whether the request body (or content type) indicates
// the JSON envelope syntax rather than XML.
func IsJSONSurface(contentType string, body []byte) bool {
	if strings.Contains(contentType, "application/json") {
		return true
	}
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{")
}
