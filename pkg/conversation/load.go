package conversation

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type messageYAML struct {
	Role     Role     `yaml:"role"`
	Content  string   `yaml:"content"`
	Images   []string `yaml:"images,omitempty"`
	Variants []string `yaml:"variants,omitempty"`
	Selected int      `yaml:"selected,omitempty"`
}

type fileYAML struct {
	Persona  *Persona      `yaml:"persona,omitempty"`
	Messages []messageYAML `yaml:"messages"`
}

// File is a conversation loaded from disk: a linear thread stored as a tree,
// plus the persona it should be run with.
type File struct {
	Persona *Persona
	Tree    *Tree
}

func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open conversation %s", path)
	}
	defer func() {
		_ = f.Close()
	}()

	return LoadYAML(f)
}

// LoadYAML parses a conversation file. Each message becomes one node; extra
// `variants` on a message are stored as alternative variants of that node,
// with `selected` picking the one used for prompting.
func LoadYAML(r io.Reader) (*File, error) {
	var fy fileYAML
	if err := yaml.NewDecoder(r).Decode(&fy); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "could not decode conversation")
	}

	ret := &File{
		Persona: fy.Persona,
		Tree:    NewTree(),
	}
	if ret.Persona != nil && ret.Persona.Description == "" {
		ret.Persona = nil
	}

	for i, m := range fy.Messages {
		var newVariant func(string) *Variant
		switch m.Role {
		case RoleUser, "":
			images := m.Images
			newVariant = func(text string) *Variant { return NewUserVariant(text, images...) }
		case RoleAssistant:
			newVariant = NewBotVariant
		default:
			return nil, errors.Errorf("message %d: unsupported role %q", i, m.Role)
		}

		texts := m.Variants
		if len(texts) == 0 {
			texts = []string{m.Content}
		}
		variants := make([]*Variant, 0, len(texts))
		for _, text := range texts {
			variants = append(variants, newVariant(text))
		}

		node, err := ret.Tree.Append(variants...)
		if err != nil {
			return nil, errors.Wrapf(err, "message %d", i)
		}
		node.Selected = m.Selected
	}

	return ret, nil
}
