package router

import (
	"context"
	"encoding/json"
	"fmt"

	"stillpoint/internal/types"
)

// DefaultConfig returns the compiled-in policy defaults. Every field that
// the persisted partial document may omit must be populated here, because
// Load falls back to these values field-by-field.
func DefaultConfig() *types.RouterConfig {
	return &types.RouterConfig{
		Enabled:           true,
		ProcessingEnabled: true,
		AutoCronEnabled:   true,
		Connect: types.ConnectConfig{
			Enabled: true,
			RateLimitsMS: map[string]int64{
				"connect_comment": 60_000,
				"connect_like":    30_000,
				"connect_follow":  120_000,
				"connect_message": 15_000,
			},
			BlockedSenders: []string{},
		},
		Engagement: types.EngagementConfig{
			Enabled: true,
			Schedule: map[types.Feature]types.LocalTime{
				types.FeatureWater:   {Hour: 10, Minute: 0},
				types.FeatureBreathe: {Hour: 14, Minute: 30},
				types.FeatureMove:    {Hour: 17, Minute: 0},
				types.FeatureReflect: {Hour: 20, Minute: 30},
			},
			RecurringRules: map[types.Feature]types.RecurringRule{
				types.FeatureWater:   {Kind: types.RecurDaily},
				types.FeatureBreathe: {Kind: types.RecurDaily},
				types.FeatureMove:    {Kind: types.RecurEveryNDays, IntervalDays: 2},
				types.FeatureReflect: {Kind: types.RecurWeekdays, Weekdays: []int{0, 3}},
			},
			Templates: types.TemplateSet{
				Intro: map[types.Feature]types.MessageTemplate{
					types.FeatureWater:   {Title: "Stay hydrated", Body: "A quick glass of water goes a long way. Try logging your first one today."},
					types.FeatureBreathe: {Title: "Take a breath", Body: "One minute of slow breathing can reset your afternoon. Give it a try."},
					types.FeatureMove:    {Title: "Time to move", Body: "A short walk counts. Start your first movement session whenever you're ready."},
					types.FeatureReflect: {Title: "A moment to reflect", Body: "Write down one thing that went well today. That's all it takes to start."},
				},
				Recurring: map[types.Feature]types.MessageTemplate{
					types.FeatureWater:   {Title: "Water check-in", Body: "How's your water intake today?"},
					types.FeatureBreathe: {Title: "Breathing break", Body: "Pause for a minute of slow breathing."},
					types.FeatureMove:    {Title: "Movement reminder", Body: "A few minutes of movement will do you good."},
					types.FeatureReflect: {Title: "Evening reflection", Body: "Take a moment to note how today went."},
				},
			},
		},
	}
}

// ConfigService loads and saves the router policy document. Load always
// returns a fully-populated config: the persisted partial document is
// deep-merged onto DefaultConfig at every nesting level, so documents
// written by older schema versions never produce missing fields downstream.
type ConfigService struct {
	store  ConfigStore
	logger types.Logger
}

// NewConfigService creates a ConfigService over the given store.
func NewConfigService(store ConfigStore, logger types.Logger) *ConfigService {
	return &ConfigService{store: store, logger: logger}
}

// Load reads the persisted document and merges it onto the defaults. A
// missing document yields the defaults unchanged.
func (s *ConfigService) Load(ctx context.Context) (*types.RouterConfig, error) {
	doc, found, err := s.store.GetDocument(ctx)
	if err != nil {
		return nil, err
	}
	if !found || len(doc) == 0 {
		return DefaultConfig(), nil
	}

	merged, err := mergeOntoDefaults(doc)
	if err != nil {
		// A corrupt document must not take the pipeline down; fall back to
		// defaults and leave the bad document in place for inspection.
		s.logger.Error("router config document is corrupt, using defaults", "error", err)
		return DefaultConfig(), nil
	}
	return merged, nil
}

// Save shallow-merges a partial document into the persisted config. Deep
// merging happens on load, not on save, so a patch can deliberately replace
// a whole nested section.
func (s *ConfigService) Save(ctx context.Context, patch map[string]any) error {
	if len(patch) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "config patch is empty", nil)
	}
	return s.store.SavePatch(ctx, patch)
}

// mergeOntoDefaults deep-merges the persisted partial document onto the
// compiled-in defaults and decodes the result back into a typed config.
func mergeOntoDefaults(doc map[string]any) (*types.RouterConfig, error) {
	defRaw, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(defRaw, &base); err != nil {
		return nil, fmt.Errorf("unmarshal default config: %w", err)
	}

	merged := deepMerge(base, doc)

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal merged config: %w", err)
	}
	var cfg types.RouterConfig
	if err := json.Unmarshal(mergedRaw, &cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}
	return &cfg, nil
}

// deepMerge overlays src onto dst recursively. Nested objects merge
// field-by-field; scalars, arrays, and type mismatches are replaced by the
// src value. dst is not mutated.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := out[k].(map[string]any)
		if srcIsMap && dstIsMap {
			out[k] = deepMerge(dstMap, srcMap)
			continue
		}
		out[k] = v
	}
	return out
}
