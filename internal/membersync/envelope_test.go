package membersync

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

const updateMembersDoc = `
        <group class="group">
           <regid class="regid">3851040abc22201</regid>
           <name class="name">u_edms_x</name>
           <add-members class="add-members">
             <add-member class="add-member" type="uwnetid">tuser1</add-member>
           </add-members>
           <delete-members class="delete-members">
             <delete-member class="delete-member" type="uwnetid">tuser2</delete-member>
           </delete-members>
        </group>`

var testMessageKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))

// buildNotification wraps body the way the group service publishes it. When
// key is non-empty the body is encrypted with a fixed IV.
func buildNotification(t *testing.T, action, group string, body []byte, key string) string {
	t.Helper()
	ctxJSON, err := json.Marshal(map[string]string{"action": action, "group": group})
	if err != nil {
		t.Fatalf("marshal context: %v", err)
	}
	header := map[string]string{
		"version":        "UWIT-2",
		"contentType":    "xml",
		"messageContext": base64.StdEncoding.EncodeToString(ctxJSON),
		"messageType":    "gws",
		"messageId":      "msg-" + group,
	}
	payload := body
	if key != "" {
		rawKey, _ := base64.StdEncoding.DecodeString(key)
		iv := bytes.Repeat([]byte{7}, 16)
		payload, err = EncryptCBC(rawKey, iv, body)
		if err != nil {
			t.Fatalf("encrypt body: %v", err)
		}
		header["iv"] = base64.StdEncoding.EncodeToString(iv)
	}
	inner, err := json.Marshal(map[string]any{
		"header": header,
		"body":   base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	outer, err := json.Marshal(map[string]string{
		"Type":      "Notification",
		"MessageId": "sns-1",
		"Message":   base64.StdEncoding.EncodeToString(inner),
	})
	if err != nil {
		t.Fatalf("marshal outer: %v", err)
	}
	return string(outer)
}

func TestDecodeEnvelopePlaintext(t *testing.T) {
	raw := buildNotification(t, "update-members", "u_edms_x", []byte(updateMembersDoc), "")
	env, err := DecodeEnvelope(raw, "")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.Action != "update-members" || env.GroupID != "u_edms_x" || env.Encrypted {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.MessageID != "msg-u_edms_x" {
		t.Fatalf("expected header message id, got %s", env.MessageID)
	}
	if string(env.Body) != updateMembersDoc {
		t.Fatalf("unexpected body %q", env.Body)
	}
}

func TestDecodeEnvelopeEncrypted(t *testing.T) {
	raw := buildNotification(t, "update-members", "u_edms_x", []byte(updateMembersDoc), testMessageKey)
	env, err := DecodeEnvelope(raw, testMessageKey)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !env.Encrypted {
		t.Fatalf("expected encrypted envelope")
	}
	if string(env.Body) != updateMembersDoc {
		t.Fatalf("unexpected decrypted body %q", env.Body)
	}

	if _, err := DecodeEnvelope(raw, ""); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed event without key, got %v", err)
	}
	if _, err := DecodeEnvelope(raw, "not base64!"); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed event with invalid key, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	cases := []string{
		"not json",
		`{"Message":""}`,
		`{"Message":"%%%"}`,
		`{"Message":"` + base64.StdEncoding.EncodeToString([]byte(`{"header":{"messageContext":"!!"},"body":""}`)) + `"}`,
	}
	for _, raw := range cases {
		if _, err := DecodeEnvelope(raw, ""); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("expected malformed event for %q, got %v", raw, err)
		}
	}
}

func TestInspectNotificationSkipsBody(t *testing.T) {
	raw := buildNotification(t, "update-group", "u_edms_y", []byte("<not-xml"), testMessageKey)
	env, err := InspectNotification(raw)
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if env.Action != "update-group" || env.GroupID != "u_edms_y" || len(env.Body) != 0 {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestParseUpdateMembers(t *testing.T) {
	event, err := ParseUpdateMembers([]byte(updateMembersDoc))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if event.GroupID != "u_edms_x" {
		t.Fatalf("expected group u_edms_x, got %s", event.GroupID)
	}
	if !reflect.DeepEqual(event.AddMembers, []string{"tuser1"}) {
		t.Fatalf("unexpected add members %v", event.AddMembers)
	}
	if !reflect.DeepEqual(event.DeleteMembers, []string{"tuser2"}) {
		t.Fatalf("unexpected delete members %v", event.DeleteMembers)
	}
	if !reflect.DeepEqual(event.UpdateMembers, []string{"tuser1", "tuser2"}) {
		t.Fatalf("unexpected update members %v", event.UpdateMembers)
	}
}

func TestParseUpdateMembersAddOnly(t *testing.T) {
	doc := `<group><name>u_test_group_1</name><add-members><add-member type="uwnetid">tuser1</add-member></add-members></group>`
	event, err := ParseUpdateMembers([]byte(doc))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(event.DeleteMembers) != 0 || !reflect.DeepEqual(event.UpdateMembers, []string{"tuser1"}) {
		t.Fatalf("unexpected event %+v", event)
	}
	if _, err := ParseUpdateMembers([]byte("<html></html>")); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed event for wrong root, got %v", err)
	}
}

func TestDecryptCBCRejectsBadInput(t *testing.T) {
	key := []byte("0123456789abcdef")
	if _, err := DecryptCBC(key, []byte("short"), make([]byte, 16)); err == nil {
		t.Fatalf("expected short iv error")
	}
	if _, err := DecryptCBC(key, make([]byte, 16), make([]byte, 15)); err == nil {
		t.Fatalf("expected block size error")
	}
}
