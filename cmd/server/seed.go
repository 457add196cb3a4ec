package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/assetvault/assetvault/pkg/assetvault"
	"github.com/assetvault/assetvault/pkg/assetvault/assetpath"
	"github.com/assetvault/assetvault/pkg/assetvault/config"
)

// seedDemoAssets loads a small demo project so a fresh development
// server has something to upload against.
func seedDemoAssets(ctx context.Context, components *config.Components, logger *slog.Logger) error {
	registry := components.Registry
	now := time.Now().UTC()

	project := &assetvault.Project{
		ID:           uuid.New(),
		Name:         "Space Adventure Game",
		Repo:         "https://github.com/example/space-adventure",
		Status:       "active",
		LatestSyncAt: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := registry.CreateProject(ctx, project); err != nil {
		return fmt.Errorf("seed project: %w", err)
	}

	spriteGroup := &assetvault.AssetGroup{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Key:       "sprites",
		Type:      "sprite_static",
		CreatedAt: now,
		UpdatedAt: now,
	}
	audioGroup := &assetvault.AssetGroup{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Key:       "audio",
		Type:      "audio_sfx",
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, group := range []*assetvault.AssetGroup{spriteGroup, audioGroup} {
		if err := registry.CreateAssetGroup(ctx, group); err != nil {
			return fmt.Errorf("seed asset group %s: %w", group.Key, err)
		}
	}

	player := &assetvault.SubAsset{
		ID:           uuid.New(),
		GroupID:      spriteGroup.ID,
		Key:          "player",
		Type:         "sprite_static",
		BasePath:     "assets/sprites",
		PathTemplate: assetpath.DefaultTemplate,
		RulePackKey:  "sprite_static",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	enemy := &assetvault.SubAsset{
		ID:           uuid.New(),
		GroupID:      spriteGroup.ID,
		Key:          "enemy",
		Type:         "sprite_static",
		BasePath:     "assets/sprites",
		PathTemplate: assetpath.DefaultTemplate,
		RulePackKey:  "sprite_static",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	jump := &assetvault.SubAsset{
		ID:           uuid.New(),
		GroupID:      audioGroup.ID,
		Key:          "jump",
		Type:         "audio_sfx",
		BasePath:     "assets/audio",
		PathTemplate: assetpath.DefaultTemplate,
		RulePackKey:  "audio_sfx",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, sub := range []*assetvault.SubAsset{player, enemy, jump} {
		if err := registry.CreateSubAsset(ctx, sub); err != nil {
			return fmt.Errorf("seed sub-asset %s: %w", sub.Key, err)
		}
	}

	revisions := []assetvault.AppendVersionParams{
		{
			SubAssetID: player.ID,
			Version:    1,
			ChangeNote: "Initial player sprite design",
			FilePath:   "assets/sprites/player/v1/player.png",
			FileSize:   1024,
			FileHash:   "abc123def456",
		},
		{
			SubAssetID: player.ID,
			Version:    2,
			ChangeNote: "Updated player sprite with new animations",
			FilePath:   "assets/sprites/player/v2/player.png",
			FileSize:   2048,
			FileHash:   "def456ghi789",
		},
	}
	for _, params := range revisions {
		if _, err := registry.AppendVersion(ctx, params); err != nil {
			return fmt.Errorf("seed revision v%d: %w", params.Version, err)
		}
	}

	logger.Info("seeded demo assets",
		"project", project.Name,
		"sub_assets", []string{player.Key, enemy.Key, jump.Key},
		"player_sub_asset_id", player.ID)
	return nil
}
