package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

// Archiver stores pages the adapters failed to parse, content-addressed by hash,
// so selectors can be fixed offline.
type Archiver struct {
	blobs  pricing.BlobStore
	hasher pricing.Hasher
	prefix string
}

// NewArchiver builds an Archiver writing under prefix.
func NewArchiver(blobs pricing.BlobStore, hasher pricing.Hasher, prefix string) (*Archiver, error) {
	if blobs == nil || hasher == nil {
		return nil, errors.New("archiver requires a blob store and a hasher")
	}
	if prefix == "" {
		prefix = "parse-miss"
	}
	return &Archiver{blobs: blobs, hasher: hasher, prefix: prefix}, nil
}

// Archive writes body and returns its URI. Identical pages land on the same object.
func (a *Archiver) Archive(ctx context.Context, site, pageURL string, body []byte) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	digest, err := a.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash page %s: %w", pageURL, err)
	}
	objectPath := path.Join(a.prefix, site, digest+".html")
	uri, err := a.blobs.PutObject(ctx, objectPath, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive page %s: %w", pageURL, err)
	}
	return uri, nil
}
