package handlers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/bikeread/dify-wechat-plugin/internal/services"
	"github.com/bikeread/dify-wechat-plugin/internal/wechat"
)

const (
	testToken = "tok3n"
	testAppID = "wx1234567890"
)

// testAESKey is a valid 43-char EncodingAESKey (base64 of 32 bytes, padding
// stripped).
var testAESKey = strings.TrimRight(
	base64.StdEncoding.EncodeToString([]byte(strings.Repeat("B", 32))), "=")

// fakeCoord returns a canned verdict and records the messages it saw.
type fakeCoord struct {
	mu   sync.Mutex
	out  services.Outcome
	msgs []*wechat.Message
}

func (f *fakeCoord) HandleDelivery(_ context.Context, msg *wechat.Message) services.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.out
}

func newTestRouter(t *testing.T, aesKey string, out services.Outcome) (*gin.Engine, *fakeCoord) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	codec, err := wechat.NewCodec(testToken, aesKey, testAppID)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	coord := &fakeCoord{out: out}
	h := New(codec, coord)
	r := gin.New()
	r.GET("/wechat", h.Verify)
	r.POST("/wechat", h.Receive)
	return r, coord
}

func textMessageXML(msgID, content string) string {
	return fmt.Sprintf(`<xml>
<ToUserName><![CDATA[gh_account]]></ToUserName>
<FromUserName><![CDATA[oUser1]]></FromUserName>
<CreateTime>1724300000</CreateTime>
<MsgType><![CDATA[text]]></MsgType>
<Content><![CDATA[%s]]></Content>
<MsgId>%s</MsgId>
</xml>`, content, msgID)
}

func TestVerifyPlaintextHandshake(t *testing.T) {
	r, _ := newTestRouter(t, "", services.Outcome{})

	sig := wechat.SortedSHA1(testToken, "1724300000", "n1")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/wechat?signature="+sig+"&timestamp=1724300000&nonce=n1&echostr=ping-pong", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("handshake -> %d, body %q", w.Code, w.Body.String())
	}
	if w.Body.String() != "ping-pong" {
		t.Fatalf("echostr not echoed, got %q", w.Body.String())
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	r, _ := newTestRouter(t, "", services.Outcome{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/wechat?signature=bogus&timestamp=1724300000&nonce=n1&echostr=ping-pong", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("bad handshake -> %d, want 403", w.Code)
	}
	if strings.Contains(w.Body.String(), "ping-pong") {
		t.Fatalf("echostr leaked on rejected handshake")
	}
}

func TestVerifyEncryptedHandshake(t *testing.T) {
	r, _ := newTestRouter(t, testAESKey, services.Outcome{})

	crypto, err := wechat.NewCrypto(testToken, testAESKey, testAppID)
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}
	echostr, err := crypto.Encrypt([]byte("secret-echo"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	msgSig := crypto.Signature("1724300000", "n2", echostr)

	q := url.Values{}
	q.Set("msg_signature", msgSig)
	q.Set("timestamp", "1724300000")
	q.Set("nonce", "n2")
	q.Set("echostr", echostr)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wechat?"+q.Encode(), nil))

	if w.Code != http.StatusOK {
		t.Fatalf("encrypted handshake -> %d, body %q", w.Code, w.Body.String())
	}
	if w.Body.String() != "secret-echo" {
		t.Fatalf("expected decrypted echostr, got %q", w.Body.String())
	}
}

func TestReceivePlaintextReply(t *testing.T) {
	reply := "<xml><Content><![CDATA[hello back]]></Content></xml>"
	r, coord := newTestRouter(t, "", services.Outcome{Reply: reply})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/wechat?openid=oUser1",
		strings.NewReader(textMessageXML("100001", "hello")))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("delivery -> %d, body %q", w.Code, w.Body.String())
	}
	if w.Body.String() != reply {
		t.Fatalf("reply not passed through, got %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/xml") {
		t.Fatalf("content type %q, want text/xml", ct)
	}
	if len(coord.msgs) != 1 || coord.msgs[0].Content != "hello" || coord.msgs[0].MsgID != "100001" {
		t.Fatalf("coordinator saw %+v", coord.msgs)
	}
}

func TestReceiveRetryVerdictIsEmpty500(t *testing.T) {
	r, _ := newTestRouter(t, "", services.Outcome{Retry: true})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/wechat",
		strings.NewReader(textMessageXML("100002", "slow")))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("retry verdict -> %d, want 500", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("redelivery solicitation must have an empty body, got %q", w.Body.String())
	}
}

func TestReceiveSilentAck(t *testing.T) {
	r, _ := newTestRouter(t, "", services.Outcome{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/wechat",
		strings.NewReader(textMessageXML("100003", "ignored")))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != ackBody {
		t.Fatalf("silent ack -> %d %q", w.Code, w.Body.String())
	}
}

func TestReceiveEncryptedRoundTrip(t *testing.T) {
	reply := "<xml><Content><![CDATA[sealed answer]]></Content></xml>"
	r, _ := newTestRouter(t, testAESKey, services.Outcome{Reply: reply})

	crypto, err := wechat.NewCrypto(testToken, testAESKey, testAppID)
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}
	encrypt, err := crypto.Encrypt([]byte(textMessageXML("100004", "hi")))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	msgSig := crypto.Signature("1724300000", "n3", encrypt)
	envelope := fmt.Sprintf(
		"<xml><ToUserName><![CDATA[gh_account]]></ToUserName><Encrypt><![CDATA[%s]]></Encrypt></xml>",
		encrypt)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost,
		"/wechat?encrypt_type=aes&msg_signature="+msgSig+"&timestamp=1724300000&nonce=n3",
		strings.NewReader(envelope))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("encrypted delivery -> %d, body %q", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "<Encrypt>") {
		t.Fatalf("reply not sealed: %q", body)
	}
	if strings.Contains(body, "sealed answer") {
		t.Fatalf("plaintext leaked in sealed reply: %q", body)
	}
}

func TestReceiveRejectsBadEnvelopeSignature(t *testing.T) {
	r, coord := newTestRouter(t, testAESKey, services.Outcome{})

	crypto, _ := wechat.NewCrypto(testToken, testAESKey, testAppID)
	encrypt, _ := crypto.Encrypt([]byte(textMessageXML("100005", "hi")))
	envelope := fmt.Sprintf("<xml><Encrypt><![CDATA[%s]]></Encrypt></xml>", encrypt)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost,
		"/wechat?encrypt_type=aes&msg_signature=forged&timestamp=1724300000&nonce=n4",
		strings.NewReader(envelope))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("forged signature -> %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), ErrCodeBadEnvelope) {
		t.Fatalf("expected %s code, got %q", ErrCodeBadEnvelope, w.Body.String())
	}
	if len(coord.msgs) != 0 {
		t.Fatalf("rejected envelope must not reach the coordinator")
	}
}

func TestReceiveRejectsMalformedMessage(t *testing.T) {
	r, _ := newTestRouter(t, "", services.Outcome{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/wechat",
		strings.NewReader("<xml><MsgType>text</MsgType></xml>"))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed message -> %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), ErrCodeBadRequest) {
		t.Fatalf("expected %s code, got %q", ErrCodeBadRequest, w.Body.String())
	}
}
