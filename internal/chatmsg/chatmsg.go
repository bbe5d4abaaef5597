// Package chatmsg defines the capability set a chat message record exposes
// to the selfie plugin (timestamp, text, sender name, opaque payload)
// together with a deep search for image payloads embedded anywhere inside a
// record. Two record implementations exist: a map-backed one for raw host
// payloads and a struct-backed one for adapter-built messages.
package chatmsg

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/moekira/selfiebot/internal/store"
)

// Record exposes the fields the plugin reads from a chat message,
// independent of the concrete representation.
type Record interface {
	ID() string
	Time() float64
	Text() string
	SenderName() string
	Payload() interface{}
}

// Msg is the struct-backed Record used by the host adapter.
type Msg struct {
	MessageID string
	Timestamp float64
	PlainText string
	Sender    string
	Raw       interface{}
}

func (m Msg) ID() string           { return m.MessageID }
func (m Msg) Time() float64        { return m.Timestamp }
func (m Msg) Text() string         { return m.PlainText }
func (m Msg) SenderName() string   { return m.Sender }
func (m Msg) Payload() interface{} { return m.Raw }

// MapRecord adapts a raw map-shaped message record.
type MapRecord map[string]interface{}

func (m MapRecord) ID() string {
	return asString(m["message_id"])
}

func (m MapRecord) Time() float64 {
	return asFloat(m["time"])
}

func (m MapRecord) Text() string {
	return asString(m["processed_plain_text"])
}

// SenderName prefers the nested user nickname and falls back to the raw
// user id.
func (m MapRecord) SenderName() string {
	if userInfo, ok := m["user_info"].(map[string]interface{}); ok {
		for _, key := range []string{"user_nickname", "nickname"} {
			if name := strings.TrimSpace(asString(userInfo[key])); name != "" {
				return name
			}
		}
	}
	return asString(m["user_id"])
}

func (m MapRecord) Payload() interface{} { return map[string]interface{}(m) }

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}

// maxSearchDepth bounds the payload traversal; host payloads are nested
// JSON-shaped structures and never legitimately deeper than this.
const maxSearchDepth = 16

// minBase64Len filters short strings that happen to match the base64
// alphabet but cannot be an image.
const minBase64Len = 128

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/=\r\n]+$`)

// FindImageBase64 walks a message record or raw payload looking for an
// embedded image: either a data:image/... URI or a bare base64 run of at
// least 128 characters. Returns the normalized base64 and whether one was
// found.
func FindImageBase64(v interface{}) (string, bool) {
	w := &walker{visited: map[uintptr]struct{}{}}
	return w.walk(v, 0)
}

type walker struct {
	visited map[uintptr]struct{}
}

// seen guards against reference cycles using container identity.
func (w *walker) seen(v interface{}) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr:
		if rv.IsNil() {
			return true
		}
		ptr := rv.Pointer()
		if _, ok := w.visited[ptr]; ok {
			return true
		}
		w.visited[ptr] = struct{}{}
	}
	return false
}

func (w *walker) walk(v interface{}, depth int) (string, bool) {
	if v == nil || depth > maxSearchDepth {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return matchImageString(t)
	case bool, int, int64, float32, float64:
		return "", false
	case map[string]interface{}:
		if w.seen(t) {
			return "", false
		}
		for _, value := range t {
			if found, ok := w.walk(value, depth+1); ok {
				return found, true
			}
		}
	case map[string]string:
		if w.seen(t) {
			return "", false
		}
		for _, value := range t {
			if found, ok := matchImageString(value); ok {
				return found, true
			}
		}
	case []interface{}:
		if w.seen(t) {
			return "", false
		}
		for _, value := range t {
			if found, ok := w.walk(value, depth+1); ok {
				return found, true
			}
		}
	case []string:
		for _, value := range t {
			if found, ok := matchImageString(value); ok {
				return found, true
			}
		}
	case Record:
		return w.walk(t.Payload(), depth+1)
	}
	return w.walkValue(reflect.ValueOf(v), depth)
}

// walkValue covers the payload shapes the type switch above does not:
// struct payloads, pointers to them, and maps/slices with concrete element
// types.
func (w *walker) walkValue(rv reflect.Value, depth int) (string, bool) {
	if !rv.IsValid() || depth > maxSearchDepth {
		return "", false
	}
	switch rv.Kind() {
	case reflect.String:
		return matchImageString(rv.String())
	case reflect.Ptr:
		if rv.IsNil() {
			return "", false
		}
		ptr := rv.Pointer()
		if _, ok := w.visited[ptr]; ok {
			return "", false
		}
		w.visited[ptr] = struct{}{}
		return w.walkValue(rv.Elem(), depth+1)
	case reflect.Interface:
		if rv.IsNil() {
			return "", false
		}
		return w.walkValue(rv.Elem(), depth+1)
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Field(i)
			if !field.CanInterface() {
				continue
			}
			if found, ok := w.walk(field.Interface(), depth+1); ok {
				return found, true
			}
		}
	case reflect.Map:
		if rv.IsNil() {
			return "", false
		}
		ptr := rv.Pointer()
		if _, ok := w.visited[ptr]; ok {
			return "", false
		}
		w.visited[ptr] = struct{}{}
		iter := rv.MapRange()
		for iter.Next() {
			if found, ok := w.walkValue(iter.Value(), depth+1); ok {
				return found, true
			}
		}
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				return "", false
			}
			ptr := rv.Pointer()
			if _, ok := w.visited[ptr]; ok {
				return "", false
			}
			w.visited[ptr] = struct{}{}
		}
		for i := 0; i < rv.Len(); i++ {
			if found, ok := w.walkValue(rv.Index(i), depth+1); ok {
				return found, true
			}
		}
	}
	return "", false
}

func matchImageString(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if strings.HasPrefix(text, "data:image/") && strings.Contains(text, ",") {
		return store.StripDataURI(text), true
	}
	compact := store.StripDataURI(text)
	if len(compact) < minBase64Len {
		return "", false
	}
	if !base64Pattern.MatchString(compact) {
		return "", false
	}
	compact = strings.ReplaceAll(compact, "\n", "")
	compact = strings.ReplaceAll(compact, "\r", "")
	return compact, true
}
