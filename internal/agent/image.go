package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"knock-pipeline/internal/catalog"
	"knock-pipeline/internal/entity"
	"knock-pipeline/internal/logging"
)

const (
	FallbackDisabled   = "disabled"
	FallbackError      = "error"
	FallbackEmpty      = "empty"
	FallbackStoreError = "store_error"
)

type ImageRequest struct {
	Prompt  entity.ImagePrompt      `json:"prompt"`
	Profile entity.CharacterProfile `json:"profile"`
}

// RoomImageGenerator produces the room image, falling back to a stable preset (Agent5).
type RoomImageGenerator struct {
	catalog *catalog.Catalog
	image   ImageGenerator
	assets  AssetStore
	enabled bool
	timeout time.Duration
	logger  *logging.Logger
}

func NewRoomImageGenerator(c *catalog.Catalog, image ImageGenerator, assets AssetStore, enabled bool, timeout time.Duration, logger *logging.Logger) *RoomImageGenerator {
	if logger == nil {
		l := logging.Nop()
		logger = &l
	}
	return &RoomImageGenerator{catalog: c, image: image, assets: assets, enabled: enabled, timeout: timeout, logger: logger}
}

func (g *RoomImageGenerator) Generate(ctx context.Context, req ImageRequest) (entity.GeneratedAsset, error) {
	if !g.enabled || g.image == nil || g.assets == nil {
		return g.preset(req.Profile, FallbackDisabled)
	}

	ref, reason, err := g.remote(ctx, req.Prompt.Text)
	if err == nil {
		return entity.GeneratedAsset{ImageRef: ref, Source: entity.AssetGenerated}, nil
	}
	g.logger.Warn().
		Err(err).
		Str("archetype", req.Profile.ArchetypeID).
		Str("reason", reason).
		Msg("remote image generation failed, using preset")
	return g.preset(req.Profile, reason)
}

func (g *RoomImageGenerator) remote(ctx context.Context, prompt string) (string, string, error) {
	callCtx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	data, mimeType, err := g.image.GenerateImage(callCtx, prompt)
	if err != nil {
		return "", FallbackError, err
	}
	if len(data) == 0 {
		return "", FallbackEmpty, fmt.Errorf("image model returned no data")
	}

	sum := sha256.Sum256(data)
	key := "rooms/" + hex.EncodeToString(sum[:]) + extensionFor(mimeType)
	ref, err := g.assets.Put(ctx, key, data)
	if err != nil {
		return "", FallbackStoreError, fmt.Errorf("store %s: %w", key, err)
	}
	return ref, "", nil
}

// preset picks from the archetype's pool by hash so the same persona keeps the same image.
func (g *RoomImageGenerator) preset(p entity.CharacterProfile, reason string) (entity.GeneratedAsset, error) {
	pool := g.catalog.PresetPool(p.ArchetypeID)
	if len(pool) == 0 {
		return entity.GeneratedAsset{}, fmt.Errorf("%w: archetype %q", ErrPresetUnavailable, p.ArchetypeID)
	}
	return entity.GeneratedAsset{
		ImageRef:       pool[stableIndex(len(pool), p.ArchetypeID, p.PersonaName)],
		Source:         entity.AssetPreset,
		FallbackReason: reason,
	}, nil
}

func extensionFor(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
