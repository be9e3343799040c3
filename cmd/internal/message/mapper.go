package message

import (
	"net/url"
	"strconv"
	"strings"

	"chatsync/cmd/internal/wire"

	"github.com/tidwall/gjson"
)

// Mapper converts wire items to domain messages.
type Mapper struct {
	// ServerURL prefixes relative avatar and file URLs.
	ServerURL string
}

// NewMapper returns a Mapper for serverURL (trailing slash trimmed).
func NewMapper(serverURL string) Mapper {
	return Mapper{ServerURL: strings.TrimRight(strings.TrimSpace(serverURL), "/")}
}

// CurrentChat maps a message of the current chat. It returns nil for kinds
// the client never displays and for file messages without an attachment.
func (mp Mapper) CurrentChat(item *wire.MessageItem) *Message {
	m := mp.convert(item)
	if m == nil {
		return nil
	}
	m.CurrentChatID = item.ID
	m.Phase = PhaseLive
	return m
}

// History maps a message delivered by a history query.
func (mp Mapper) History(item *wire.MessageItem) *Message {
	m := mp.convert(item)
	if m == nil {
		return nil
	}
	m.HistoryID = &HistoryID{DBID: item.ID, TimeMicros: m.TimeMicros}
	m.Phase = PhaseHistorified
	return m
}

// CurrentChatAll maps items, dropping the ones CurrentChat rejects.
func (mp Mapper) CurrentChatAll(items []*wire.MessageItem) []*Message {
	out := make([]*Message, 0, len(items))
	for _, it := range items {
		if m := mp.CurrentChat(it); m != nil {
			out = append(out, m)
		}
	}
	return out
}

// HistoryAll maps items, dropping the ones History rejects.
func (mp Mapper) HistoryAll(items []*wire.MessageItem) []*Message {
	out := make([]*Message, 0, len(items))
	for _, it := range items {
		if m := mp.History(it); m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (mp Mapper) convert(item *wire.MessageItem) *Message {
	if item == nil || item.ID == "" {
		return nil
	}
	typ, ok := kindToType(item.Kind)
	if !ok {
		return nil
	}

	m := &Message{
		ID:          item.ClientID(),
		Type:        typ,
		SenderName:  item.Name,
		AvatarURL:   mp.absolute(item.Avatar),
		Text:        item.Text,
		Data:        item.Data,
		TimeMicros:  item.TimeMicros(),
		Read:        item.Read,
		CanBeEdited: item.CanBeEdited,
	}
	if item.AuthorID != nil {
		m.OperatorID = strconv.FormatInt(*item.AuthorID, 10)
	}

	if item.IsFile() {
		att := mp.attachment(item.Text)
		if att == nil {
			return nil
		}
		m.Attachment = att
		m.RawText = item.Text
		m.Text = att.FileName
	}
	return m
}

// attachment parses the JSON file description carried in a file message text.
func (mp Mapper) attachment(text string) *Attachment {
	if !gjson.Valid(text) {
		return nil
	}
	desc := gjson.Parse(text)
	if desc.Get("desc").Exists() {
		desc = desc.Get("desc")
	}
	name := desc.Get("filename").String()
	guid := desc.Get("guid").String()
	if name == "" || guid == "" {
		return nil
	}
	att := &Attachment{
		FileName:    name,
		ContentType: desc.Get("content_type").String(),
		Size:        desc.Get("size").Int(),
		GUID:        guid,
	}
	if mp.ServerURL != "" {
		att.URL = mp.ServerURL + "/l/v/m/download/" + url.PathEscape(guid) + "/" + url.PathEscape(name)
	}
	return att
}

func (mp Mapper) absolute(ref string) string {
	if ref == "" || mp.ServerURL == "" || strings.Contains(ref, "://") {
		return ref
	}
	return mp.ServerURL + "/" + strings.TrimLeft(ref, "/")
}

func kindToType(kind string) (Type, bool) {
	switch kind {
	case wire.KindActionRequest:
		return TypeActionRequest, true
	case wire.KindFileOperator:
		return TypeFileFromOperator, true
	case wire.KindFileVisitor:
		return TypeFileFromVisitor, true
	case wire.KindInfo:
		return TypeInfo, true
	case wire.KindKeyboard:
		return TypeKeyboard, true
	case wire.KindOperator:
		return TypeOperator, true
	case wire.KindOperatorBusy:
		return TypeOperatorBusy, true
	case wire.KindSticker:
		return TypeSticker, true
	case wire.KindVisitor:
		return TypeVisitor, true
	default:
		// cont_req, contacts, for_operator and anything unknown.
		return "", false
	}
}
