package signaling

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"campus-chat/internal/models"
)

// Field resolution order. The first present, non-null, non-empty key wins.
var (
	typeFields       = []string{"type", "event"}
	idFields         = []string{"id", "messageId", "message_id", "msgId"}
	clientIDFields   = []string{"clientId", "client_id"}
	roomFields       = []string{"roomId", "room_id", "room"}
	senderIDFields   = []string{"senderId", "sender_id", "sender", "userId", "user_id"}
	senderNameFields = []string{"senderName", "sender_name", "name"}
	targetFields     = []string{"targetId", "target_id"}
	contentFields    = []string{"content", "message", "text"}
	timestampFields  = []string{"timestamp", "created_at", "createdAt"}
	mediaURLFields   = []string{"mediaUrl", "media_url", "media"}
	mediaTypeFields  = []string{"mediaType", "media_type", "mimeType"}
	deletedFields    = []string{"deleted", "deleted_for_all"}
	memberFields     = []string{"members", "peers"}
	payloadFields    = []string{"payload", "data"}
)

const unknownSender = "Unknown"

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
}

// Normalizer maps raw frames onto models.Envelope.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer returns a Normalizer that stamps frames lacking a timestamp
// with now().
func NewNormalizer(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

var defaultNormalizer = NewNormalizer(nil)

// Normalize maps a raw frame using the wall clock for missing timestamps.
func Normalize(raw []byte) (models.Envelope, error) {
	return defaultNormalizer.Normalize(raw)
}

// Normalize maps one raw frame onto exactly one Envelope.
func (n *Normalizer) Normalize(raw []byte) (models.Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return models.Envelope{}, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return models.Envelope{}, fmt.Errorf("%w: frame is not an object", ErrMalformedFrame)
	}

	typ := scalar(first(doc, typeFields))
	kind, err := classify(typ)
	if err != nil {
		return models.Envelope{}, err
	}

	ts := n.now().UTC()
	if v := first(doc, timestampFields); v.Exists() {
		parsed, ok := parseTimestamp(v)
		if !ok {
			return models.Envelope{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedFrame, v.Raw)
		}
		ts = parsed
	}

	env := models.Envelope{
		Kind:          kind,
		Type:          typ,
		ID:            scalar(first(doc, idFields)),
		CorrelationID: scalar(first(doc, clientIDFields)),
		RoomID:        scalar(first(doc, roomFields)),
		SenderID:      scalar(first(doc, senderIDFields)),
		SenderName:    scalar(first(doc, senderNameFields)),
		TargetID:      scalar(first(doc, targetFields)),
		Timestamp:     ts,
		Deleted:       typ == models.FrameMessageDeleted || first(doc, deletedFields).Bool(),
	}
	if env.SenderName == "" {
		env.SenderName = unknownSender
	}
	if v := first(doc, contentFields); v.Type == gjson.String {
		env.Content = v.Str
	}
	if url := scalar(first(doc, mediaURLFields)); url != "" {
		env.Media = &models.MediaRef{URL: url, Type: scalar(first(doc, mediaTypeFields))}
	}
	if v := first(doc, memberFields); v.IsArray() {
		for _, m := range v.Array() {
			if id := scalar(m); id != "" {
				env.Members = append(env.Members, id)
			}
		}
	}
	if v := first(doc, payloadFields); v.Exists() {
		env.Payload = []byte(v.Raw)
	}
	if env.ID == "" {
		env.ID = CompositeID(env.RoomID, env.Timestamp, env.SenderID)
	}
	return env, nil
}

// CompositeID derives a stable identity for frames that carry no server id.
func CompositeID(roomID string, ts time.Time, senderID string) string {
	if senderID == "" {
		senderID = "x"
	}
	return roomID + "-" + ts.UTC().Format(time.RFC3339Nano) + "-" + senderID
}

func classify(typ string) (models.Kind, error) {
	switch typ {
	case "", "chat", "new-message", models.FrameMessage, models.FrameChatSend, models.FrameMessageDeleted:
		return models.KindChat, nil
	case models.FrameVoiceSignal:
		return models.KindVoiceSignal, nil
	case models.FrameJoinVoice, models.FrameLeaveVoice, models.FrameVoiceMembers, models.FrameVoiceJoined,
		models.FrameVoiceLeft, models.FrameSeen, models.FrameJoinRoom, models.FrameLeaveRoom,
		models.FrameError, "presence":
		return models.KindPresence, nil
	default:
		return "", fmt.Errorf("%w: unknown frame type %q", ErrMalformedFrame, typ)
	}
}

func first(doc gjson.Result, fields []string) gjson.Result {
	for _, f := range fields {
		v := doc.Get(f)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if v.Type == gjson.String && strings.TrimSpace(v.Str) == "" {
			continue
		}
		return v
	}
	return gjson.Result{}
}

// scalar renders strings and numbers the same way so that 12 and "12" compare equal.
func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return strings.TrimSpace(v.Str)
	case gjson.Number:
		if v.Num == math.Trunc(v.Num) && math.Abs(v.Num) < 1<<53 {
			return strconv.FormatInt(int64(v.Num), 10)
		}
		return v.Raw
	default:
		return ""
	}
}

func parseTimestamp(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.Number:
		return fromUnix(v.Int()), true
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromUnix(n), true
		}
	}
	return time.Time{}, false
}

// fromUnix accepts seconds or milliseconds.
func fromUnix(n int64) time.Time {
	if n < 1e11 {
		return time.Unix(n, 0).UTC()
	}
	return time.UnixMilli(n).UTC()
}
