package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hlledger/internal/domain"
	"hlledger/internal/store"
)

// TargetBuilderSetting is the settings key holding the live target override.
const TargetBuilderSetting = "TARGET_BUILDER"

// Target sources reported by TargetResolver.Current.
const (
	SourceRequest  = "request"
	SourceSetting  = "setting"
	SourceEnv      = "env"
	SourceDisabled = "none"
)

// TargetResolver picks the builder to attribute against. A request value
// wins over the stored setting, which wins over the configured default.
type TargetResolver struct {
	settings SettingsStore
	fallback string
	logger   zerolog.Logger
}

// NewTargetResolver creates a resolver. settings may be nil.
func NewTargetResolver(settings SettingsStore, fallback string) *TargetResolver {
	return &TargetResolver{
		settings: settings,
		fallback: domain.NormalizeAddress(fallback),
		logger:   log.With().Str("component", "service").Logger(),
	}
}

// Resolve returns the normalized target for a request. The result is empty
// when no target is configured anywhere.
func (r *TargetResolver) Resolve(ctx context.Context, override string) (string, error) {
	target, _, err := r.resolve(ctx, override)
	return target, err
}

// Current returns the target in effect without a request override and
// where it came from.
func (r *TargetResolver) Current(ctx context.Context) (string, string, error) {
	return r.resolve(ctx, "")
}

func (r *TargetResolver) resolve(ctx context.Context, override string) (string, string, error) {
	if strings.TrimSpace(override) != "" {
		if !domain.ValidAddress(strings.TrimSpace(override)) {
			return "", "", fmt.Errorf("%w: builder %q", ErrInvalidAddress, override)
		}
		return domain.NormalizeAddress(override), SourceRequest, nil
	}

	if r.settings != nil {
		v, err := r.settings.GetSetting(ctx, TargetBuilderSetting)
		switch {
		case err == nil && v != "":
			return domain.NormalizeAddress(v), SourceSetting, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			// fall back to the default
			r.logger.Warn().Err(err).Msg("failed to read target builder setting, using default")
		}
	}

	if r.fallback == "" {
		return "", SourceDisabled, nil
	}
	return r.fallback, SourceEnv, nil
}

// Set stores a new override. An empty value clears it.
func (r *TargetResolver) Set(ctx context.Context, value string) error {
	if r.settings == nil {
		return fmt.Errorf("target builder override: no settings store")
	}
	value = strings.TrimSpace(value)
	if value != "" && !domain.ValidAddress(value) {
		return fmt.Errorf("%w: builder %q", ErrInvalidAddress, value)
	}
	if err := r.settings.SetSetting(ctx, TargetBuilderSetting, domain.NormalizeAddress(value)); err != nil {
		return fmt.Errorf("store target builder: %w", err)
	}
	r.logger.Info().Str("target", domain.NormalizeAddress(value)).Msg("target builder override updated")
	return nil
}
