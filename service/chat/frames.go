package chat

import (
	"encoding/json"

	"ChatCore/module/chat/model"
	"ChatCore/tools/errs"
)

// Frame is the client-facing JSON envelope, inbound and outbound. Outbound
// event frames reuse the fan-out event shape; ERROR frames additionally
// carry a stable code.
type Frame struct {
	Type        string `json:"type"`
	ChannelID   string `json:"channelId,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Content     string `json:"content,omitempty"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	TimestampID string `json:"timestampId,omitempty"`
	Code        int    `json:"code,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrSerialization.WrapMsg(err.Error())
	}
	if f.Type == "" {
		return nil, errs.ErrInvalidRequest.WrapMsg("frame has no type")
	}
	return &f, nil
}

// ErrorFrame renders a request failure back to the client with its error
// code, so clients can react without parsing message text.
func ErrorFrame(err error) []byte {
	f := Frame{Type: model.EventError, Code: errs.CodeOf(err), Content: err.Error()}
	data, mErr := json.Marshal(&f)
	if mErr != nil {
		return []byte(`{"type":"ERROR"}`)
	}
	return data
}

func eventFrame(ev *model.FanoutEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errs.ErrSerialization.WrapMsg(err.Error())
	}
	return data, nil
}
