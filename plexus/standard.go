package plexus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
)

// StandardRequest is the built-in tagged union covering the three
// ubiquitous UI intents. Exactly one of the Confirm/Prompt/Select fields is
// meaningful, selected by Type. Its wire shape is a flat object keyed by
// Type rather than these Go field names — see MarshalJSON/UnmarshalJSON —
// because confirm and prompt both carry a `default` field on the wire
// (bool for confirm, string for prompt) where Go needs two fields to hold
// the two types.
//
// The struct tags below are for ReflectSchema's benefit only — invopop/
// jsonschema reflects field tags directly rather than calling
// MarshalJSON — and can't fully capture the wire shape either: Default
// and DefaultText would both want the tag `default`, so DefaultText gets
// the schema-only name `default_text` even though MarshalJSON/
// UnmarshalJSON put it on the wire as `default`.
type StandardRequest struct {
	Type string `json:"type"`

	// confirm
	Message string `json:"message,omitempty"`
	Default *bool  `json:"default,omitempty"`

	// prompt
	DefaultText *string `json:"default_text,omitempty"`
	Placeholder string  `json:"placeholder,omitempty"`

	// select
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}

const (
	StandardRequestConfirm = "confirm"
	StandardRequestPrompt  = "prompt"
	StandardRequestSelect  = "select"
)

func (r StandardRequest) MarshalJSON() ([]byte, error) {
	switch r.Type {
	case StandardRequestConfirm:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Default *bool  `json:"default,omitempty"`
		}{r.Type, r.Message, r.Default})
	case StandardRequestPrompt:
		return json.Marshal(struct {
			Type        string  `json:"type"`
			Message     string  `json:"message"`
			Default     *string `json:"default,omitempty"`
			Placeholder string  `json:"placeholder,omitempty"`
		}{r.Type, r.Message, r.DefaultText, r.Placeholder})
	case StandardRequestSelect:
		return json.Marshal(struct {
			Type        string   `json:"type"`
			Message     string   `json:"message"`
			Options     []string `json:"options"`
			MultiSelect bool     `json:"multi_select"`
		}{r.Type, r.Message, r.Options, r.MultiSelect})
	default:
		return nil, fmt.Errorf("plexus: unknown standard request type %q", r.Type)
	}
}

func (r *StandardRequest) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	switch head.Type {
	case StandardRequestConfirm:
		var body struct {
			Message string `json:"message"`
			Default *bool  `json:"default"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		r.Message, r.Default = body.Message, body.Default
	case StandardRequestPrompt:
		var body struct {
			Message     string  `json:"message"`
			Default     *string `json:"default"`
			Placeholder string  `json:"placeholder"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		r.Message, r.DefaultText, r.Placeholder = body.Message, body.Default, body.Placeholder
	case StandardRequestSelect:
		var body struct {
			Message     string   `json:"message"`
			Options     []string `json:"options"`
			MultiSelect bool     `json:"multi_select"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		r.Message, r.Options, r.MultiSelect = body.Message, body.Options, body.MultiSelect
	default:
		return fmt.Errorf("plexus: unknown standard request type %q", head.Type)
	}
	r.Type = head.Type
	return nil
}

// StandardResponse is the built-in tagged union of client answers. Like
// StandardRequest, its wire shape reuses the `value` field across the
// confirmed/text variants and uses plural `values` for selected rather than
// naming a Go field per variant — see MarshalJSON/UnmarshalJSON.
type StandardResponse struct {
	Type string `json:"type"`

	Value    bool     `json:"value,omitempty"`    // confirmed
	Text     string   `json:"text,omitempty"`     // text (wire: also `value`, see MarshalJSON)
	Selected []string `json:"selected,omitempty"` // selected (wire: `values`, see MarshalJSON)
}

const (
	StandardResponseConfirmed = "confirmed"
	StandardResponseText      = "text"
	StandardResponseSelected  = "selected"
	StandardResponseCancelled = "cancelled"
)

func (r StandardResponse) MarshalJSON() ([]byte, error) {
	switch r.Type {
	case StandardResponseConfirmed:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Value bool   `json:"value"`
		}{r.Type, r.Value})
	case StandardResponseText:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		}{r.Type, r.Text})
	case StandardResponseSelected:
		return json.Marshal(struct {
			Type   string   `json:"type"`
			Values []string `json:"values"`
		}{r.Type, r.Selected})
	case StandardResponseCancelled:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{r.Type})
	default:
		return nil, fmt.Errorf("plexus: unknown standard response type %q", r.Type)
	}
}

func (r *StandardResponse) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	switch head.Type {
	case StandardResponseConfirmed:
		var body struct {
			Value bool `json:"value"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		r.Value = body.Value
	case StandardResponseText:
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		r.Text = body.Value
	case StandardResponseSelected:
		var body struct {
			Values []string `json:"values"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		r.Selected = body.Values
	case StandardResponseCancelled:
		// no payload
	default:
		return fmt.Errorf("plexus: unknown standard response type %q", head.Type)
	}
	r.Type = head.Type
	return nil
}

// ReflectStandardSchemas returns the request/response schema pair for a
// standard channel, suitable for a Method's RequestSchema/ResponseSchema.
func ReflectStandardSchemas() (req, resp *jsonschema.Schema) {
	return ReflectSchema[StandardRequest](), ReflectSchema[StandardResponse]()
}

// Confirm asks a yes/no question and returns the boolean answer.
func Confirm(ctx context.Context, c *Channel, message string, def *bool, timeout time.Duration) (bool, error) {
	req := StandardRequest{Type: StandardRequestConfirm, Message: message, Default: def}
	resp, err := Request[StandardRequest, StandardResponse](ctx, c, req, timeout)
	if err != nil {
		return false, err
	}
	if resp.Type == StandardResponseCancelled {
		return false, ErrCancelled
	}
	if resp.Type != StandardResponseConfirmed {
		return false, &TypeMismatchError{Expected: StandardResponseConfirmed, Got: resp.Type}
	}
	return resp.Value, nil
}

// Prompt asks a free-text question and returns the client's answer.
func Prompt(ctx context.Context, c *Channel, message string, defaultText *string, placeholder string, timeout time.Duration) (string, error) {
	req := StandardRequest{Type: StandardRequestPrompt, Message: message, DefaultText: defaultText, Placeholder: placeholder}
	resp, err := Request[StandardRequest, StandardResponse](ctx, c, req, timeout)
	if err != nil {
		return "", err
	}
	if resp.Type == StandardResponseCancelled {
		return "", ErrCancelled
	}
	if resp.Type != StandardResponseText {
		return "", &TypeMismatchError{Expected: StandardResponseText, Got: resp.Type}
	}
	return resp.Text, nil
}

// Select asks the client to pick from options and returns the values the
// client chose. multiSelect is passed on to the client; the number of
// returned values is not checked against it.
func Select(ctx context.Context, c *Channel, message string, options []string, multiSelect bool, timeout time.Duration) ([]string, error) {
	req := StandardRequest{Type: StandardRequestSelect, Message: message, Options: options, MultiSelect: multiSelect}
	resp, err := Request[StandardRequest, StandardResponse](ctx, c, req, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Type == StandardResponseCancelled {
		return nil, ErrCancelled
	}
	if resp.Type != StandardResponseSelected {
		return nil, &TypeMismatchError{Expected: StandardResponseSelected, Got: resp.Type}
	}
	return resp.Selected, nil
}
