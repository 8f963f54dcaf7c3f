package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/account"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// modelCatalog is the process-wide model validation cache. A single
// in-flight fetch is shared by concurrent validators.
var modelCatalog = struct {
	mu          sync.Mutex
	validModels map[string]bool
	lastFetched time.Time
	inflight    chan struct{}
}{
	validModels: make(map[string]bool),
}

// ModelInfo is one model's entry in the fetchAvailableModels response.
type ModelInfo struct {
	DisplayName string     `json:"displayName,omitempty"`
	QuotaInfo   *QuotaInfo `json:"quotaInfo,omitempty"`
}

// QuotaInfo is the upstream quota view for a model.
type QuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         *string  `json:"resetTime,omitempty"`
}

// FetchModelsResponse is the fetchAvailableModels response body.
type FetchModelsResponse struct {
	Models map[string]*ModelInfo `json:"models,omitempty"`
}

// ModelListResponse is the outward model list.
type ModelListResponse struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ModelEntry is one outward model record.
type ModelEntry struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	Description string `json:"description"`
}

func isSupportedModel(modelID string) bool {
	family := config.GetModelFamily(modelID)
	return family == config.ModelFamilyClaude || family == config.ModelFamilyGemini
}

// FetchAvailableModels queries the upstream model catalogue, trying
// each endpoint in order. projectID may be empty; including it yields
// account-accurate quota data.
func FetchAvailableModels(ctx context.Context, token, projectID string) (*FetchModelsResponse, error) {
	headers := BuildHeaders(token, "", "")

	body := make(map[string]string)
	if projectID != "" {
		body["project"] = projectID
	}
	bodyBytes, _ := json.Marshal(body)

	client := &http.Client{Timeout: 30 * time.Second}

	for _, endpoint := range config.GenerateEndpoints {
		url := endpoint + "/v1internal:fetchAvailableModels"

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels failed at %s: %v", endpoint, err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			utils.Warn("[CloudCode] fetchAvailableModels error at %s: %d", endpoint, resp.StatusCode)
			continue
		}

		var data FetchModelsResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels decode error at %s: %v", endpoint, err)
			continue
		}
		return &data, nil
	}

	return nil, fmt.Errorf("failed to fetch available models from all endpoints")
}

// ListModels returns the supported models in the outward list format
// and warms the validation cache as a side effect.
func ListModels(ctx context.Context, token string) (*ModelListResponse, error) {
	data, err := FetchAvailableModels(ctx, token, "")
	if err != nil {
		return nil, err
	}
	if data == nil || data.Models == nil {
		return &ModelListResponse{Object: "list", Data: []ModelEntry{}}, nil
	}

	now := time.Now().Unix()
	entries := make([]ModelEntry, 0, len(data.Models))
	for modelID, info := range data.Models {
		if !isSupportedModel(modelID) {
			continue
		}
		description := modelID
		if info != nil && info.DisplayName != "" {
			description = info.DisplayName
		}
		entries = append(entries, ModelEntry{
			ID:          modelID,
			Object:      "model",
			Created:     now,
			OwnedBy:     "anthropic",
			Description: description,
		})
	}

	modelCatalog.mu.Lock()
	modelCatalog.validModels = make(map[string]bool, len(entries))
	for _, entry := range entries {
		modelCatalog.validModels[entry.ID] = true
	}
	modelCatalog.lastFetched = time.Now()
	modelCatalog.mu.Unlock()

	return &ModelListResponse{Object: "list", Data: entries}, nil
}

// GetModelQuotas returns the per-model quota snapshot for an account.
// A model reporting a reset time without a remaining fraction is
// treated as fully exhausted.
func GetModelQuotas(ctx context.Context, token, projectID string) (map[string]*account.ModelQuotaInfo, error) {
	data, err := FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		return nil, err
	}

	quotas := make(map[string]*account.ModelQuotaInfo)
	if data == nil || data.Models == nil {
		return quotas, nil
	}

	for modelID, info := range data.Models {
		if !isSupportedModel(modelID) || info == nil || info.QuotaInfo == nil {
			continue
		}

		quota := &account.ModelQuotaInfo{}
		if info.QuotaInfo.ResetTime != nil {
			quota.ResetTime = *info.QuotaInfo.ResetTime
		}
		switch {
		case info.QuotaInfo.RemainingFraction != nil:
			quota.RemainingFraction = *info.QuotaInfo.RemainingFraction
		case info.QuotaInfo.ResetTime != nil:
			quota.RemainingFraction = 0
		default:
			quota.RemainingFraction = 1
		}
		quotas[modelID] = quota
	}

	return quotas, nil
}

// PopulateModelCache refreshes the validation cache when stale.
// Concurrent callers on a cold cache wait on one fetch.
func PopulateModelCache(ctx context.Context, token, projectID string) error {
	ttl := time.Duration(config.ModelValidationCacheTTLMs) * time.Millisecond

	for {
		modelCatalog.mu.Lock()
		if len(modelCatalog.validModels) > 0 && time.Since(modelCatalog.lastFetched) < ttl {
			modelCatalog.mu.Unlock()
			return nil
		}
		if modelCatalog.inflight == nil {
			break // this caller fetches
		}
		wait := modelCatalog.inflight
		modelCatalog.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	modelCatalog.inflight = done
	modelCatalog.mu.Unlock()

	data, err := FetchAvailableModels(ctx, token, projectID)

	modelCatalog.mu.Lock()
	modelCatalog.inflight = nil
	if err == nil && data != nil && data.Models != nil {
		modelCatalog.validModels = make(map[string]bool, len(data.Models))
		for modelID := range data.Models {
			if isSupportedModel(modelID) {
				modelCatalog.validModels[modelID] = true
			}
		}
		modelCatalog.lastFetched = time.Now()
		utils.Debug("[CloudCode] Model cache populated with %d models", len(modelCatalog.validModels))
	}
	modelCatalog.mu.Unlock()
	close(done)

	if err != nil {
		utils.Warn("[CloudCode] Failed to populate model cache: %v", err)
	}
	return err
}

// IsValidModel validates a model id against the cached catalogue. An
// empty cache (fetch failed) fails open and lets the API decide.
func IsValidModel(ctx context.Context, modelID, token, projectID string) bool {
	_ = PopulateModelCache(ctx, token, projectID)

	modelCatalog.mu.Lock()
	defer modelCatalog.mu.Unlock()

	if len(modelCatalog.validModels) > 0 {
		return modelCatalog.validModels[modelID]
	}
	return true
}
