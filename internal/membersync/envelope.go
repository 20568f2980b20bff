package membersync

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
)

// Envelope is a decoded group change notification. Body holds the plaintext
// change document.
type Envelope struct {
	MessageID   string
	Action      string
	GroupID     string
	ContentType string
	Encrypted   bool
	Body        []byte
}

type notification struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Message   string `json:"Message"`
}

type changeMessage struct {
	Header changeHeader `json:"header"`
	Body   string       `json:"body"`
}

type changeHeader struct {
	Version        string `json:"version"`
	ContentType    string `json:"contentType"`
	MessageContext string `json:"messageContext"`
	MessageType    string `json:"messageType"`
	MessageID      string `json:"messageId"`
	KeyID          string `json:"keyId"`
	IV             string `json:"iv"`
}

type messageContext struct {
	Action string `json:"action"`
	Group  string `json:"group"`
}

// decodeHeader unwraps the notification and its base64 message context
// without touching the body. It is enough to decide whether a message is of
// interest.
func decodeHeader(raw string) (Envelope, changeMessage, error) {
	var outer notification
	if err := json.Unmarshal([]byte(raw), &outer); err != nil {
		return Envelope{}, changeMessage{}, fmt.Errorf("%w: notification: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(outer.Message) == "" {
		return Envelope{}, changeMessage{}, fmt.Errorf("%w: notification has no message", ErrMalformedEvent)
	}
	inner, err := decodeBase64(outer.Message)
	if err != nil {
		return Envelope{}, changeMessage{}, fmt.Errorf("%w: message: %v", ErrMalformedEvent, err)
	}
	var msg changeMessage
	if err := json.Unmarshal(inner, &msg); err != nil {
		return Envelope{}, changeMessage{}, fmt.Errorf("%w: message: %v", ErrMalformedEvent, err)
	}
	ctxBytes, err := decodeBase64(msg.Header.MessageContext)
	if err != nil {
		return Envelope{}, changeMessage{}, fmt.Errorf("%w: message context: %v", ErrMalformedEvent, err)
	}
	var mc messageContext
	if err := json.Unmarshal(ctxBytes, &mc); err != nil {
		return Envelope{}, changeMessage{}, fmt.Errorf("%w: message context: %v", ErrMalformedEvent, err)
	}
	env := Envelope{
		MessageID:   msg.Header.MessageID,
		Action:      strings.TrimSpace(mc.Action),
		GroupID:     strings.TrimSpace(mc.Group),
		ContentType: msg.Header.ContentType,
		Encrypted:   strings.TrimSpace(msg.Header.IV) != "",
	}
	if env.MessageID == "" {
		env.MessageID = outer.MessageID
	}
	return env, msg, nil
}

// InspectNotification decodes only the routing header of a notification.
// The returned Envelope has no Body.
func InspectNotification(raw string) (Envelope, error) {
	env, _, err := decodeHeader(raw)
	return env, err
}

// DecodeEnvelope fully decodes a notification, decrypting the body with the
// base64 AES key when the header carries an IV.
func DecodeEnvelope(raw, keyB64 string) (Envelope, error) {
	env, msg, err := decodeHeader(raw)
	if err != nil {
		return Envelope{}, err
	}
	body, err := decodeBody(msg, keyB64)
	if err != nil {
		return Envelope{}, err
	}
	env.Body = body
	return env, nil
}

func decodeBody(msg changeMessage, keyB64 string) ([]byte, error) {
	payload, err := decodeBase64(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(msg.Header.IV) == "" {
		return payload, nil
	}
	if strings.TrimSpace(keyB64) == "" {
		return nil, fmt.Errorf("%w: body is encrypted but no key is configured", ErrMalformedEvent)
	}
	key, err := decodeBase64(keyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not base64", ErrMalformedEvent)
	}
	iv, err := decodeBase64(msg.Header.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrMalformedEvent, err)
	}
	plain, err := DecryptCBC(key, iv, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return plain, nil
}

// DecryptCBC decrypts AES-CBC ciphertext and strips PKCS#7 padding.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", block.BlockSize(), len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > block.BlockSize() || pad > len(plain) {
		return nil, fmt.Errorf("invalid padding")
	}
	if !bytes.Equal(plain[len(plain)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, fmt.Errorf("invalid padding")
	}
	return plain[:len(plain)-pad], nil
}

// EncryptCBC is the inverse of DecryptCBC.
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", block.BlockSize(), len(iv))
	}
	pad := block.BlockSize() - len(plaintext)%block.BlockSize()
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func decodeBase64(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty value")
	}
	return base64.StdEncoding.DecodeString(value)
}

type updateMembersDocument struct {
	XMLName       xml.Name `xml:"group"`
	Name          string   `xml:"name"`
	AddMembers    []string `xml:"add-members>add-member"`
	DeleteMembers []string `xml:"delete-members>delete-member"`
}

// ParseUpdateMembers reads an update-members change document. Every added
// or deleted member is also reported in UpdateMembers.
func ParseUpdateMembers(body []byte) (ChangeEvent, error) {
	var doc updateMembersDocument
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.Strict = false
	if err := decoder.Decode(&doc); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: update-members document: %v", ErrMalformedEvent, err)
	}
	event := ChangeEvent{
		Action:        ActionUpdateMembers,
		GroupID:       strings.TrimSpace(doc.Name),
		AddMembers:    trimAll(doc.AddMembers),
		DeleteMembers: trimAll(doc.DeleteMembers),
	}
	event.UpdateMembers = append(append([]string{}, event.AddMembers...), event.DeleteMembers...)
	return event, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
