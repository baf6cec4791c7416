package matrix

import (
	"regexp"
	"strconv"
	"time"
)

var geoURIRegexp = regexp.MustCompile(`geo:(-?\d+\.?\d*),(-?\d+\.?\d*)`)

// ParseEvent normalizes a plain (or still-encrypted) event into a Message.
// Content is passed through untouched.
func ParseEvent(evt *Event) *Message {
	ts := evt.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	msg := &Message{
		ID:       evt.ID,
		LocalID:  "matrix_" + evt.ID,
		Type:     TypeText,
		SendTime: ts,
		Sender:   evt.Sender,
		RoomID:   evt.RoomID,
		Content:  evt.Content,
	}

	if evt.IsEncrypted() {
		msg.Body = Body{Text: EncryptedText}
		msg.Encrypted = true
		return msg
	}

	content := evt.Content
	msg.Body = Body{
		Text:     stringField(content, "body"),
		Mentions: mentionedUsers(content),
	}

	info := mapField(content, "info")
	switch stringField(content, "msgtype") {
	case "m.image":
		msg.Type = TypeImage
		msg.Body = mediaBody(content, info)
	case "m.video":
		msg.Type = TypeVideo
		msg.Body = mediaBody(content, info)
		msg.Body.Duration = int64(numberField(info, "duration"))
	case "m.audio":
		msg.Type = TypeFile
		if truthy(info["duration"]) {
			msg.Type = TypeVoice
		}
		msg.Body = Body{
			URL:      stringField(content, "url"),
			MimeType: stringField(info, "mimetype"),
			FileSize: int64(numberField(info, "size")),
			Duration: int64(numberField(info, "duration")),
		}
	case "m.file":
		msg.Type = TypeFile
		name := stringField(content, "filename")
		if name == "" {
			name = stringField(content, "body")
		}
		msg.Body = Body{
			URL:      stringField(content, "url"),
			FileName: name,
			MimeType: stringField(info, "mimetype"),
			FileSize: int64(numberField(info, "size")),
		}
	case "m.location":
		msg.Type = TypeLocation
		msg.Body = locationBody(content, info)
	case "m.emote":
		msg.Body.Text = "/me " + stringField(content, "body")
	case "m.notice":
		msg.Type = TypeNotice
	}

	relates := mapField(content, "m.relates_to")
	if reply := mapField(relates, "m.in_reply_to"); reply != nil {
		msg.Type = TypeReply
		msg.Body.ReplyEventID = stringField(reply, "event_id")
	}
	switch stringField(relates, "rel_type") {
	case "m.replace":
		msg.Type = TypeEdit
		msg.Body.OriginalEventID = stringField(relates, "event_id")
		msg.Body.NewContent = mapField(content, "m.new_content")
		if text := stringField(msg.Body.NewContent, "body"); text != "" {
			msg.Body.Text = text
		}
	case "m.annotation":
		msg.Type = TypeReaction
		msg.Body.ReactionKey = stringField(relates, "key")
		msg.Body.ReactsTo = stringField(relates, "event_id")
	}

	return msg
}

func mediaBody(content, info map[string]any) Body {
	return Body{
		URL:          stringField(content, "url"),
		MimeType:     stringField(info, "mimetype"),
		Width:        int(numberField(info, "w")),
		Height:       int(numberField(info, "h")),
		FileSize:     int64(numberField(info, "size")),
		ThumbnailURL: stringField(content, "thumbnail_url"),
	}
}

func locationBody(content, info map[string]any) Body {
	geo := stringField(content, "geo_uri")
	b := Body{GeoURI: geo, Description: stringField(content, "body")}
	if b.Description == "" {
		b.Description = stringField(info, "description")
	}
	if m := geoURIRegexp.FindStringSubmatch(geo); m != nil {
		b.Latitude, _ = strconv.ParseFloat(m[1], 64)
		b.Longitude, _ = strconv.ParseFloat(m[2], 64)
	}
	return b
}

func mentionedUsers(content map[string]any) []string {
	mentions := mapField(content, "m.mentions")
	raw, _ := mentions["user_ids"].([]any)
	var users []string
	for _, u := range raw {
		if s, ok := u.(string); ok {
			users = append(users, s)
		}
	}
	return users
}
