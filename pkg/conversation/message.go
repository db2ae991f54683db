package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
)

type NodeID uuid.UUID

func (id NodeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *NodeID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = NodeID(u)
	return nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NullNode, err
	}
	return NodeID(u), nil
}

var NullNode NodeID = NodeID(uuid.Nil)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// ExtraDetails records what a generated variant was sent with and what the
// backend reported back once the stream ended. Both halves are optional.
type ExtraDetails struct {
	SentWith     map[string]interface{} `json:"sentWith,omitempty" yaml:"sentWith,omitempty"`
	ReturnedWith map[string]interface{} `json:"returnedWith,omitempty" yaml:"returnedWith,omitempty"`
}

func (d *ExtraDetails) Clone() *ExtraDetails {
	if d == nil {
		return nil
	}
	return clone.Clone(d).(*ExtraDetails)
}

// Variant is one candidate content for a conversation turn.
//
// The content and extra details of a variant are written by a running
// generation while the caller reads them, so they are only accessed through
// the locked accessors below.
type Variant struct {
	ID        NodeID
	FromBot   bool
	ImageRefs []string

	mu      sync.RWMutex
	content strings.Builder
	extra   *ExtraDetails
}

func NewUserVariant(text string, imageRefs ...string) *Variant {
	v := &Variant{
		ID:        NewNodeID(),
		ImageRefs: imageRefs,
	}
	v.content.WriteString(text)
	return v
}

func NewBotVariant(text string) *Variant {
	v := &Variant{
		ID:      NewNodeID(),
		FromBot: true,
	}
	v.content.WriteString(text)
	return v
}

func (v *Variant) Role() Role {
	if v.FromBot {
		return RoleAssistant
	}
	return RoleUser
}

func (v *Variant) Content() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.content.String()
}

func (v *Variant) AppendContent(chunk string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.content.WriteString(chunk)
}

func (v *Variant) SetContent(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.content.Reset()
	v.content.WriteString(text)
}

// ExtraDetails returns a copy of the variant's extra details, nil if none were recorded.
func (v *Variant) ExtraDetails() *ExtraDetails {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.extra.Clone()
}

// SetExtraDetails replaces the extra details of the variant.
func (v *Variant) SetExtraDetails(d *ExtraDetails) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.extra = d.Clone()
}

func (v *Variant) String() string {
	return fmt.Sprintf("[%s]: %s", v.Role(), strings.TrimRight(v.Content(), "\n"))
}

// MessageNode is one turn in the conversation tree. Its content for prompting
// purposes is always its selected variant.
type MessageNode struct {
	ID       NodeID
	ParentID NodeID
	Variants []*Variant
	Selected int

	Children []*MessageNode
}

func NewMessageNode(parentID NodeID, variants ...*Variant) *MessageNode {
	return &MessageNode{
		ID:       NewNodeID(),
		ParentID: parentID,
		Variants: variants,
	}
}

// SelectedVariant returns the selected variant, clamping an out of range
// selection to the last variant. Returns nil for a node without variants.
func (n *MessageNode) SelectedVariant() *Variant {
	if n == nil || len(n.Variants) == 0 {
		return nil
	}
	idx := n.Selected
	if idx < 0 {
		idx = 0
	}
	if idx >= len(n.Variants) {
		idx = len(n.Variants) - 1
	}
	return n.Variants[idx]
}

// AddVariant appends a regeneration to the node and selects it.
func (n *MessageNode) AddVariant(v *Variant) {
	n.Variants = append(n.Variants, v)
	n.Selected = len(n.Variants) - 1
}

func (n *MessageNode) FromBot() bool {
	v := n.SelectedVariant()
	return v != nil && v.FromBot
}

// Ancestry is the root-to-target path through the message tree.
type Ancestry []*MessageNode

func (a Ancestry) String() string {
	var sb strings.Builder
	for _, n := range a {
		if v := n.SelectedVariant(); v != nil {
			sb.WriteString(v.String())
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Persona is an optional system instruction injected ahead of the conversation.
type Persona struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description"`
}
