package ir

import (
	"fmt"
	"time"
)

// ContentObject is the metadata of one entry in the source tree.
// Attribute values are not carried here; they are resolved per language
// through the source tree.
type ContentObject struct {
	ID        GlobalID `json:"id" yaml:"id"`
	Type      string   `json:"type" yaml:"type"`
	Tenant    string   `json:"tenant" yaml:"tenant"`
	Parent    GlobalID `json:"parent,omitempty" yaml:"parent,omitempty"`
	Languages []string `json:"languages" yaml:"languages"`
	Deleted   bool     `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Offline   bool     `json:"offline,omitempty" yaml:"offline,omitempty"`
}

// Online reports whether the object should be present in the target.
func (o ContentObject) Online() bool {
	return !o.Deleted && !o.Offline
}

// HasLanguage reports whether the object carries content in lang.
func (o ContentObject) HasLanguage(lang string) bool {
	for _, l := range o.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// Tenant is a source node that owns a content subtree.
type Tenant struct {
	ID          string   `json:"id" yaml:"id"`
	DisplayName string   `json:"display_name" yaml:"display_name"`
	Root        GlobalID `json:"root,omitempty" yaml:"root,omitempty"`
}

// Action is the change kind recorded on a dirty queue entry.
type Action string

const (
	ActionCreate     Action = "create"
	ActionModify     Action = "modify"
	ActionDelete     Action = "delete"
	ActionMove       Action = "move"
	ActionDependency Action = "dependency"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionCreate, ActionModify, ActionDelete, ActionMove, ActionDependency:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// DirtyEntry is one durable change-capture record.
// Seq is assigned by the queue and is strictly increasing.
type DirtyEntry struct {
	Seq        int64     `json:"seq"`
	ObjectID   GlobalID  `json:"object_id"`
	ObjectType string    `json:"object_type"`
	Tenant     string    `json:"tenant"`
	Action     Action    `json:"action"`
	Attributes []string  `json:"attributes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Attempts   int       `json:"attempts"`
}
