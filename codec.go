package x402engine

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Protocol literals every credential must carry.
const (
	ProtocolVersion = "1"
	SchemeExact     = "exact"
)

// wireEnvelope is the outer X-PAYMENT JSON shape. Version may arrive as a
// string or a bare number; payload fields may nest under "message" or
// "authorization", or sit flat in the payload.
type wireEnvelope struct {
	X402Version json.RawMessage `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     *wirePayload    `json:"payload"`
}

type wirePayload struct {
	Message       *wireMessage `json:"message"`
	Authorization *wireMessage `json:"authorization"`

	// Flat variant: authorization fields directly in the payload.
	From        string          `json:"from"`
	To          string          `json:"to"`
	Value       json.RawMessage `json:"value"`
	ValidAfter  json.RawMessage `json:"validAfter"`
	ValidBefore json.RawMessage `json:"validBefore"`
	Nonce       string          `json:"nonce"`

	// Signature, split or combined, at the payload level.
	V         json.RawMessage `json:"v"`
	R         string          `json:"r"`
	S         string          `json:"s"`
	Signature string          `json:"signature"`
}

type wireMessage struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	Value       json.RawMessage `json:"value"`
	ValidAfter  json.RawMessage `json:"validAfter"`
	ValidBefore json.RawMessage `json:"validBefore"`
	Nonce       string          `json:"nonce"`

	// Some senders nest the signature beside the authorization fields.
	V         json.RawMessage `json:"v"`
	R         string          `json:"r"`
	S         string          `json:"s"`
	Signature string          `json:"signature"`
}

// DecodeCredential parses a base64 X-PAYMENT header into the canonical
// credential. Both accepted wire shapes (nested message/authorization or
// flat payload, split v/r/s or one combined signature blob) normalize here;
// nothing downstream sees wire variants. Field contents are not judged
// beyond shape; ValidateCredential owns that.
func DecodeCredential(wireText string) (*PaymentCredential, error) {
	trimmed := strings.TrimSpace(wireText)
	if trimmed == "" {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "payment header is empty", nil)
	}

	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "payment header is not valid base64", nil)
	}

	body := bytes.TrimSpace(raw)
	if len(body) == 0 || (body[0] != '{' && body[0] != '[') {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "decoded payment header is not JSON", nil)
	}

	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "failed to parse payment JSON: "+err.Error(), nil)
	}

	version := coerceString(env.X402Version)
	if version != ProtocolVersion {
		return nil, NewPaymentError(ErrCodeInvalidPaymentVersion,
			fmt.Sprintf("unsupported x402 version %q, expected %q", version, ProtocolVersion), nil)
	}
	if env.Scheme != SchemeExact {
		return nil, NewPaymentError(ErrCodeInvalidScheme,
			fmt.Sprintf("unsupported payment scheme %q, expected %q", env.Scheme, SchemeExact), nil)
	}
	if env.Payload == nil {
		return nil, NewPaymentError(ErrCodeMissingPayload, "payment carries no payload", nil)
	}

	msg := env.Payload.Message
	if msg == nil {
		msg = env.Payload.Authorization
	}
	if msg == nil && env.Payload.From != "" {
		msg = &wireMessage{
			From:        env.Payload.From,
			To:          env.Payload.To,
			Value:       env.Payload.Value,
			ValidAfter:  env.Payload.ValidAfter,
			ValidBefore: env.Payload.ValidBefore,
			Nonce:       env.Payload.Nonce,
		}
	}
	if msg == nil {
		return nil, NewPaymentError(ErrCodeMissingPayload, "payload carries no authorization message", nil)
	}

	cred := &PaymentCredential{
		X402Version: ProtocolVersion,
		Scheme:      SchemeExact,
		Network:     env.Network,
		From:        msg.From,
		To:          msg.To,
		Value:       coerceString(msg.Value),
		ValidAfter:  coerceString(msg.ValidAfter),
		ValidBefore: coerceString(msg.ValidBefore),
		Nonce:       msg.Nonce,
	}

	vRaw, r, s := env.Payload.V, env.Payload.R, env.Payload.S
	if len(bytes.TrimSpace(vRaw)) == 0 && r == "" && s == "" {
		vRaw, r, s = msg.V, msg.R, msg.S
	}
	combined := env.Payload.Signature
	if combined == "" {
		combined = msg.Signature
	}

	switch {
	case len(bytes.TrimSpace(vRaw)) > 0 || r != "" || s != "":
		if len(bytes.TrimSpace(vRaw)) == 0 || r == "" || s == "" {
			return nil, NewPaymentError(ErrCodeInvalidSignatureFormat,
				"split signature requires v, r, and s", nil)
		}
		v, err := parseV(vRaw)
		if err != nil {
			return nil, NewPaymentError(ErrCodeInvalidSignatureFormat,
				"signature v is not a valid integer", nil)
		}
		cred.V, cred.R, cred.S = v, r, s
	case combined != "":
		v, rr, ss, err := splitCombinedSignature(combined)
		if err != nil {
			return nil, NewPaymentError(ErrCodeInvalidSignatureFormat, err.Error(), nil)
		}
		cred.V, cred.R, cred.S = v, rr, ss
	default:
		return nil, NewPaymentError(ErrCodeInvalidSignatureFormat, "payment carries no signature", nil)
	}

	return cred, nil
}

// EncodeCredential renders the canonical credential back into the wire
// form DecodeCredential accepts: nested message with a split signature at
// the payload level, base64 over compact JSON.
func EncodeCredential(c *PaymentCredential) (string, error) {
	if c == nil {
		return "", fmt.Errorf("failed to encode payment credential: credential is nil")
	}

	env := struct {
		X402Version string `json:"x402Version"`
		Scheme      string `json:"scheme"`
		Network     string `json:"network,omitempty"`
		Payload     struct {
			Message struct {
				From        string `json:"from"`
				To          string `json:"to"`
				Value       string `json:"value"`
				ValidAfter  string `json:"validAfter"`
				ValidBefore string `json:"validBefore"`
				Nonce       string `json:"nonce"`
			} `json:"message"`
			V uint64 `json:"v"`
			R string `json:"r"`
			S string `json:"s"`
		} `json:"payload"`
	}{
		X402Version: c.X402Version,
		Scheme:      c.Scheme,
		Network:     c.Network,
	}
	env.Payload.Message.From = c.From
	env.Payload.Message.To = c.To
	env.Payload.Message.Value = c.Value
	env.Payload.Message.ValidAfter = c.ValidAfter
	env.Payload.Message.ValidBefore = c.ValidBefore
	env.Payload.Message.Nonce = c.Nonce
	env.Payload.V = c.V
	env.Payload.R = c.R
	env.Payload.S = c.S

	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode payment credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// coerceString normalizes a JSON value that may arrive as a string or a
// bare number into its text form. Numbers keep their raw digits, so
// 256-bit values survive untouched.
func coerceString(raw json.RawMessage) string {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || string(t) == "null" {
		return ""
	}
	if t[0] == '"' {
		var s string
		if err := json.Unmarshal(t, &s); err != nil {
			return ""
		}
		return s
	}
	return string(t)
}

// parseV reads a recovery id that may arrive as a JSON number, a decimal
// string, or a 0x-prefixed hex string.
func parseV(raw json.RawMessage) (uint64, error) {
	s := coerceString(raw)
	if s == "" {
		return 0, fmt.Errorf("missing v")
	}
	return strconv.ParseUint(s, 0, 64)
}

// splitCombinedSignature splits a 65-byte r||s||v hex blob into its parts.
func splitCombinedSignature(sig string) (v uint64, r, s string, err error) {
	h := strings.TrimPrefix(strings.TrimPrefix(sig, "0x"), "0X")
	decoded, decodeErr := hex.DecodeString(h)
	if decodeErr != nil {
		return 0, "", "", fmt.Errorf("combined signature is not valid hex")
	}
	if len(decoded) != 65 {
		return 0, "", "", fmt.Errorf("combined signature must be 65 bytes, got %d", len(decoded))
	}
	return uint64(decoded[64]), "0x" + h[0:64], "0x" + h[64:128], nil
}
