package prompt

import (
	"context"

	"github.com/go-go-golems/parley/pkg/attachments"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/rs/zerolog/log"
)

// Builder turns the ancestry of the node being generated into a linear prompt.
type Builder struct {
	resolver attachments.Resolver
}

// NewBuilder creates a Builder resolving image attachments through resolver.
// A nil resolver drops every attachment.
func NewBuilder(resolver attachments.Resolver) *Builder {
	return &Builder{resolver: resolver}
}

// BuildContext walks the ancestry from the root and stops at the node whose ID
// is cutoffID, which is the node currently being generated and is never part
// of its own prompt. A persona, when given, is emitted first as a single
// system message carrying its description.
//
// Failing to resolve an attachment only drops that attachment. The build
// itself only fails when ctx is cancelled.
func (b *Builder) BuildContext(
	ctx context.Context,
	ancestry conversation.Ancestry,
	cutoffID conversation.NodeID,
	persona *conversation.Persona,
) ([]Message, error) {
	messages := make([]Message, 0, len(ancestry)+1)

	if persona != nil {
		messages = append(messages, NewSystemMessage(persona.Description))
	}

	for _, node := range ancestry {
		if node.ID == cutoffID {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		variant := node.SelectedVariant()
		if variant == nil {
			continue
		}

		if variant.FromBot {
			messages = append(messages, NewAssistantMessage(variant.Content()))
			continue
		}
		messages = append(messages, b.userMessage(ctx, variant))
	}

	return messages, nil
}

func (b *Builder) userMessage(ctx context.Context, v *conversation.Variant) Message {
	if len(v.ImageRefs) == 0 {
		return NewUserMessage(v.Content())
	}

	parts := make([]Part, 0, len(v.ImageRefs)+1)
	parts = append(parts, Part{Type: PartTypeText, Text: v.Content()})

	for _, ref := range v.ImageRefs {
		if b.resolver == nil {
			break
		}
		payload, ok, err := b.resolver.Get(ctx, ref)
		if err != nil {
			log.Debug().Err(err).Str("ref", ref).Str("variant_id", v.ID.String()).Msg("dropping attachment")
			continue
		}
		if !ok || payload == "" {
			log.Debug().Str("ref", ref).Str("variant_id", v.ID.String()).Msg("attachment not in cache")
			continue
		}
		parts = append(parts, Part{Type: PartTypeImageURL, ImageURL: payload})
	}

	return Message{
		Role:  conversation.RoleUser,
		Text:  v.Content(),
		Parts: parts,
	}
}
