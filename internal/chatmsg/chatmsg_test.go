package chatmsg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var longBase64 = strings.Repeat("QUJD", 40)

func TestFindImageBase64DataURI(t *testing.T) {
	payload := map[string]interface{}{
		"image": "data:image/png;base64,abcd1234",
	}
	found, ok := FindImageBase64(payload)
	require.True(t, ok)
	assert.Equal(t, "abcd1234", found)
}

func TestFindImageBase64LongBareString(t *testing.T) {
	found, ok := FindImageBase64(longBase64)
	require.True(t, ok)
	assert.Equal(t, longBase64, found)
}

func TestShortBase64Rejected(t *testing.T) {
	_, ok := FindImageBase64("QUJDRA==")
	assert.False(t, ok)
}

func TestNonBase64Rejected(t *testing.T) {
	_, ok := FindImageBase64(strings.Repeat("hello world! ", 20))
	assert.False(t, ok)
}

func TestFindImageBase64Nested(t *testing.T) {
	payload := map[string]interface{}{
		"meta": map[string]interface{}{
			"attachments": []interface{}{
				map[string]interface{}{"kind": "sticker"},
				map[string]interface{}{"data": "data:image/jpeg;base64," + longBase64},
			},
		},
	}
	found, ok := FindImageBase64(payload)
	require.True(t, ok)
	assert.Equal(t, longBase64, found)
}

func TestFindImageBase64StripsLineBreaks(t *testing.T) {
	wrapped := longBase64[:80] + "\n" + longBase64[80:]
	found, ok := FindImageBase64(wrapped)
	require.True(t, ok)
	assert.Equal(t, longBase64, found)
}

func TestFindImageBase64SurvivesCycles(t *testing.T) {
	inner := map[string]interface{}{}
	outer := map[string]interface{}{"child": inner}
	inner["parent"] = outer

	_, ok := FindImageBase64(outer)
	assert.False(t, ok)
}

func TestFindImageBase64DepthBound(t *testing.T) {
	// Build a chain deeper than the walker's bound with the image at the
	// bottom; the walker must give up instead of finding it.
	leaf := map[string]interface{}{"image": "data:image/png;base64," + longBase64}
	var v interface{} = leaf
	for i := 0; i < 30; i++ {
		v = map[string]interface{}{"nested": v}
	}
	_, ok := FindImageBase64(v)
	assert.False(t, ok)
}

func TestFindImageBase64StructPayload(t *testing.T) {
	type attachment struct {
		Kind string
		Data string
	}
	type payload struct {
		Caption     string
		Attachments []attachment
	}
	v := payload{
		Caption: "look at this",
		Attachments: []attachment{
			{Kind: "sticker", Data: "short"},
			{Kind: "photo", Data: "data:image/png;base64," + longBase64},
		},
	}
	found, ok := FindImageBase64(v)
	require.True(t, ok)
	assert.Equal(t, longBase64, found)

	// Pointer-to-struct payloads resolve the same way.
	found, ok = FindImageBase64(&v)
	require.True(t, ok)
	assert.Equal(t, longBase64, found)
}

func TestFindImageBase64StructInsideMap(t *testing.T) {
	type media struct {
		URI string
	}
	v := map[string]interface{}{
		"media": media{URI: "data:image/jpeg;base64," + longBase64},
	}
	found, ok := FindImageBase64(v)
	require.True(t, ok)
	assert.Equal(t, longBase64, found)
}

func TestFindImageBase64StructPointerCycle(t *testing.T) {
	type node struct {
		Next *node
		Note string
	}
	a := &node{Note: "a"}
	b := &node{Note: "b", Next: a}
	a.Next = b

	_, ok := FindImageBase64(a)
	assert.False(t, ok)
}

func TestFindImageBase64OnRecord(t *testing.T) {
	msg := Msg{
		MessageID: "10",
		PlainText: "look",
		Raw:       map[string]interface{}{"image": "data:image/png;base64," + longBase64},
	}
	found, ok := FindImageBase64(msg)
	require.True(t, ok)
	assert.Equal(t, longBase64, found)
}

func TestMapRecordAccessors(t *testing.T) {
	rec := MapRecord{
		"message_id":           "42",
		"time":                 1700000000.0,
		"processed_plain_text": "hi there",
		"user_id":              "u1",
		"user_info": map[string]interface{}{
			"user_nickname": "Kira",
		},
	}
	assert.Equal(t, "42", rec.ID())
	assert.Equal(t, 1700000000.0, rec.Time())
	assert.Equal(t, "hi there", rec.Text())
	assert.Equal(t, "Kira", rec.SenderName())
}

func TestMapRecordSenderFallsBackToUserID(t *testing.T) {
	rec := MapRecord{"user_id": "u1"}
	assert.Equal(t, "u1", rec.SenderName())

	rec = MapRecord{
		"user_id":   "u1",
		"user_info": map[string]interface{}{"nickname": "Nick"},
	}
	assert.Equal(t, "Nick", rec.SenderName())
}
