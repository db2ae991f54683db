package attachments

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Resolver turns an opaque attachment reference into an inline payload, a
// data URL that can be placed into an image_url prompt part.
//
// A missing reference is reported as ok == false with a nil error.
type Resolver interface {
	Get(ctx context.Context, ref string) (payload string, ok bool, err error)
}

type ResolverFunc func(ctx context.Context, ref string) (string, bool, error)

func (f ResolverFunc) Get(ctx context.Context, ref string) (string, bool, error) {
	return f(ctx, ref)
}

// Store is a Resolver that payloads can be written to.
type Store interface {
	Resolver
	Put(ctx context.Context, ref string, payload string) error
}

// Chain asks each resolver in turn and returns the first hit. When a later
// resolver hits, the payload is written back into every earlier resolver that
// is a Store, so the next lookup is served by the front of the chain.
type Chain []Resolver

func (c Chain) Get(ctx context.Context, ref string) (string, bool, error) {
	var firstErr error
	for i, r := range c {
		payload, ok, err := r.Get(ctx, ref)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			continue
		}
		for _, front := range c[:i] {
			if s, isStore := front.(Store); isStore {
				if err := s.Put(ctx, ref, payload); err != nil {
					log.Debug().Err(err).Str("ref", ref).Msg("could not populate attachment cache")
				}
			}
		}
		return payload, true, nil
	}
	return "", false, firstErr
}

var _ Resolver = Chain(nil)

// EncodeDataURL encodes raw bytes as a base64 data URL, sniffing the media type
// when none is given.
func EncodeDataURL(mediaType string, data []byte) string {
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data))
}

// FileResolver resolves references that are local file paths, relative
// references being looked up below BaseDir.
type FileResolver struct {
	BaseDir string
}

func (f *FileResolver) Get(ctx context.Context, ref string) (string, bool, error) {
	if strings.HasPrefix(ref, "data:") {
		return ref, true, nil
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return "", false, nil
	}

	path := ref
	if !filepath.IsAbs(path) && f.BaseDir != "" {
		path = filepath.Join(f.BaseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "could not read attachment %s", path)
	}

	return EncodeDataURL("", data), true, nil
}

var _ Resolver = (*FileResolver)(nil)
