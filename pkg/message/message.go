// Package message defines the routed message envelope and its wire codec.
//
// An envelope carries three parts: descriptive metadata (message_info), an
// opaque payload segment (message_segment), and the routing dimensions
// (message_dim). Routing only ever looks at message_dim; everything else is
// passed through untouched.
package message

import (
	"github.com/fulanowo/maim-message/pkg/json"
)

// Dim names the recipient of an envelope. Both fields must be non-empty for
// the envelope to be routable.
type Dim struct {
	APIKey   string `json:"api_key"`
	Platform string `json:"platform"`
}

// SenderInfo describes the originating user, when known.
type SenderInfo struct {
	Platform     string `json:"platform,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	UserNickname string `json:"user_nickname,omitempty"`
	UserCardname string `json:"user_cardname,omitempty"`
}

// GroupInfo describes the originating group, when known.
type GroupInfo struct {
	Platform  string `json:"platform,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// FormatInfo declares the content formats a peer produces and accepts.
type FormatInfo struct {
	ContentFormat []string `json:"content_format,omitempty"`
	AcceptFormat  []string `json:"accept_format,omitempty"`
}

// Info is the descriptive metadata of an envelope. The routing layer does not
// inspect any of these fields.
type Info struct {
	Platform   string      `json:"platform"`
	MessageID  string      `json:"message_id"`
	Time       float64     `json:"time"`
	SenderInfo *SenderInfo `json:"sender_info,omitempty"`
	GroupInfo  *GroupInfo  `json:"group_info,omitempty"`
	FormatInfo *FormatInfo `json:"format_info,omitempty"`
}

// Segment is the payload of an envelope: a typed tag plus opaque data. Data
// may itself be a list of nested segments; the routing layer never looks
// inside.
type Segment struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Envelope is the unit of routed traffic.
//
// Unknown top-level fields seen on decode are retained and re-emitted on
// encode, so peers running newer envelope revisions survive a round trip
// through this process.
type Envelope struct {
	Info    Info    `json:"message_info"`
	Segment Segment `json:"message_segment"`
	Dim     Dim     `json:"message_dim"`

	// extra holds unrecognized top-level fields from the last decode.
	extra map[string]json.RawMessage
}

// APIKey returns the recipient api_key routing dimension.
func (e *Envelope) APIKey() string {
	return e.Dim.APIKey
}

// Platform returns the recipient platform routing dimension.
func (e *Envelope) Platform() string {
	return e.Dim.Platform
}

// Routable reports whether both routing dimensions are set.
func (e *Envelope) Routable() bool {
	return e.Dim.APIKey != "" && e.Dim.Platform != ""
}

// MarshalJSON emits the envelope plus any unknown fields captured on decode.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, 3+len(e.extra))
	for k, v := range e.extra {
		out[k] = v
	}

	info, err := json.Marshal(e.Info)
	if err != nil {
		return nil, err
	}
	seg, err := json.Marshal(e.Segment)
	if err != nil {
		return nil, err
	}
	dim, err := json.Marshal(e.Dim)
	if err != nil {
		return nil, err
	}
	out["message_info"] = info
	out["message_segment"] = seg
	out["message_dim"] = dim

	return json.Marshal(out)
}

// UnmarshalJSON decodes the known envelope parts and stashes everything else.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = Envelope{}
	for k, v := range raw {
		switch k {
		case "message_info":
			if err := json.Unmarshal(v, &e.Info); err != nil {
				return err
			}
		case "message_segment":
			if err := json.Unmarshal(v, &e.Segment); err != nil {
				return err
			}
		case "message_dim":
			if err := json.Unmarshal(v, &e.Dim); err != nil {
				return err
			}
		default:
			if e.extra == nil {
				e.extra = make(map[string]json.RawMessage)
			}
			e.extra[k] = v
		}
	}
	return nil
}

// CustomMessage is a non-envelope frame, dispatched by its top-level type tag.
type CustomMessage struct {
	Type           string      `json:"type"`
	Payload        interface{} `json:"payload,omitempty"`
	TargetUser     string      `json:"target_user,omitempty"`
	TargetPlatform string      `json:"target_platform,omitempty"`
}
