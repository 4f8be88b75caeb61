// Package automation drives a messaging app's on-screen UI to type and send
// a reply when no inline reply is available. It consumes a host capability
// that streams UI change events, exposes the current element tree and
// performs actions on nodes.
package automation

import (
	"context"
	"time"
)

// Node is a snapshot of one UI element.
type Node struct {
	ID          string  `json:"id"`
	Class       string  `json:"class,omitempty"`
	ResourceID  string  `json:"resource_id,omitempty"`
	Text        string  `json:"text,omitempty"`
	Hint        string  `json:"hint,omitempty"`
	Description string  `json:"description,omitempty"`
	Clickable   bool    `json:"clickable,omitempty"`
	Editable    bool    `json:"editable,omitempty"`
	Focusable   bool    `json:"focusable,omitempty"`
	Children    []*Node `json:"children,omitempty"`
}

// Event is a UI change notification.
type Event struct {
	Package string    `json:"package"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
}

// Action is a node-level action.
type Action string

const (
	ActionFocus   Action = "focus"
	ActionSetText Action = "set_text"
	ActionClick   Action = "click"
)

// GlobalAction is a system navigation action.
type GlobalAction string

const (
	GlobalBack GlobalAction = "back"
	GlobalHome GlobalAction = "home"
)

// Capability is the host's UI-automation surface.
type Capability interface {
	// Events streams UI change notifications. The channel is closed when
	// the capability goes away.
	Events() <-chan Event
	// Tree returns the root of the foreground window of pkg.
	Tree(ctx context.Context, pkg string) (*Node, error)
	// Perform runs action on the node with id. text is used by set_text.
	Perform(ctx context.Context, nodeID string, action Action, text string) error
	// Global runs a system navigation action.
	Global(ctx context.Context, action GlobalAction) error
}
