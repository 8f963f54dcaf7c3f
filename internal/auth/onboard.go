package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// loadCodeAssistBody is the metadata block loadCodeAssist and
// onboardUser both expect.
func assistMetadata(projectID string) map[string]string {
	metadata := map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
	if projectID != "" {
		metadata["duetProject"] = projectID
	}
	return metadata
}

// DiscoverProject resolves the managed project for an access token. It
// calls loadCodeAssist across the provisioning endpoints and, when the
// response carries no project, onboards the user with the tier the
// response allows. Returns the project id (possibly empty) and the
// parsed subscription tier.
func DiscoverProject(ctx context.Context, token, projectID string) (string, string, error) {
	var lastData map[string]interface{}
	var lastErr error

	for _, endpoint := range config.ProvisionEndpoints {
		discovered, data, err := loadCodeAssist(ctx, endpoint, token)
		if err != nil {
			utils.Warn("[Onboarding] loadCodeAssist failed at %s: %v", endpoint, err)
			lastErr = err
			continue
		}

		tier := extractTier(data)
		if discovered != "" {
			return discovered, tier, nil
		}

		lastData = data
		break
	}

	if lastData == nil {
		return "", "", fmt.Errorf("loadCodeAssist failed on all endpoints: %w", lastErr)
	}

	tier := extractTier(lastData)
	tierID := defaultTierID(lastData)
	if tierID == "" {
		tierID = "free-tier"
	}

	utils.Info("[Onboarding] No project in loadCodeAssist response, onboarding with tier %s", tierID)
	onboarded, err := OnboardUser(ctx, token, tierID, projectID, 10, 5000)
	if err != nil {
		return "", tier, err
	}
	return onboarded, tier, nil
}

// FetchSubscriptionTier calls loadCodeAssist just for the tier.
func FetchSubscriptionTier(ctx context.Context, token string) (string, error) {
	for _, endpoint := range config.ProvisionEndpoints {
		_, data, err := loadCodeAssist(ctx, endpoint, token)
		if err != nil {
			continue
		}
		return extractTier(data), nil
	}
	return "", fmt.Errorf("loadCodeAssist failed on all endpoints")
}

func loadCodeAssist(ctx context.Context, endpoint, token string) (string, map[string]interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{
		"metadata": assistMetadata(""),
	})
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:loadCodeAssist", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.UpstreamHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("loadCodeAssist status %d", resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", nil, err
	}

	// The project may arrive as a bare string or as an object with id.
	if projectID, ok := data["cloudaicompanionProject"].(string); ok && projectID != "" {
		return projectID, data, nil
	}
	if projectObj, ok := data["cloudaicompanionProject"].(map[string]interface{}); ok {
		if projectID, ok := projectObj["id"].(string); ok && projectID != "" {
			return projectID, data, nil
		}
	}
	return "", data, nil
}

// OnboardUser provisions a managed project, polling until the
// long-running operation reports done.
func OnboardUser(ctx context.Context, token, tierID, projectID string, maxAttempts int, delayMs int64) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if delayMs <= 0 {
		delayMs = 5000
	}

	requestBody := map[string]interface{}{
		"tierId":   tierID,
		"metadata": assistMetadata(projectID),
	}

	utils.Debug("[Onboarding] Starting onboard with tierId: %s, projectID: %s", tierID, projectID)

	for _, endpoint := range config.ProvisionEndpoints {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			result, err := tryOnboardUser(ctx, endpoint, token, requestBody)
			if err != nil {
				utils.Warn("[Onboarding] onboardUser failed at %s: %v", endpoint, err)
				break
			}

			if done, ok := result["done"].(bool); ok && done {
				if response, ok := result["response"].(map[string]interface{}); ok {
					if proj, ok := response["cloudaicompanionProject"].(map[string]interface{}); ok {
						if id, ok := proj["id"].(string); ok && id != "" {
							utils.Success("[Onboarding] Onboarded, project: %s", id)
							return id, nil
						}
					}
				}
				if projectID != "" {
					return projectID, nil
				}
			}

			if attempt < maxAttempts-1 {
				utils.Debug("[Onboarding] onboardUser not complete, waiting %dms", delayMs)
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(time.Duration(delayMs) * time.Millisecond):
				}
			}
		}
	}

	return "", fmt.Errorf("all onboarding attempts failed for tier %s", tierID)
}

func tryOnboardUser(ctx context.Context, endpoint, token string, requestBody map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:onboardUser", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.UpstreamHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("onboardUser status %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

// extractTier pulls the subscription tier from a loadCodeAssist
// response: paidTier wins over currentTier, which wins over the default
// allowedTiers entry.
func extractTier(data map[string]interface{}) string {
	if data == nil {
		return ""
	}
	if id := tierIDFromField(data["paidTier"]); id != "" {
		return ParseTierLabel(id)
	}
	if id := tierIDFromField(data["currentTier"]); id != "" {
		return ParseTierLabel(id)
	}
	if id := defaultTierID(data); id != "" {
		return ParseTierLabel(id)
	}
	return ""
}

func tierIDFromField(field interface{}) string {
	tierMap, ok := field.(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := tierMap["id"].(string)
	return id
}

func defaultTierID(data map[string]interface{}) string {
	allowedTiers, ok := data["allowedTiers"].([]interface{})
	if !ok || len(allowedTiers) == 0 {
		return ""
	}

	for _, tier := range allowedTiers {
		tierMap, ok := tier.(map[string]interface{})
		if !ok {
			continue
		}
		if isDefault, ok := tierMap["isDefault"].(bool); ok && isDefault {
			if id, ok := tierMap["id"].(string); ok {
				return id
			}
		}
	}

	if first, ok := allowedTiers[0].(map[string]interface{}); ok {
		if id, ok := first["id"].(string); ok {
			return id
		}
	}
	return ""
}

// ParseTierLabel maps a raw tier id to the canonical labels free, pro,
// ultra, or unknown.
func ParseTierLabel(tierID string) string {
	id := strings.ToLower(tierID)
	switch {
	case id == "":
		return "unknown"
	case strings.Contains(id, "ultra"):
		return "ultra"
	case id == "standard-tier":
		return "pro"
	case strings.Contains(id, "pro"), strings.Contains(id, "premium"):
		return "pro"
	case id == "free-tier", strings.Contains(id, "free"):
		return "free"
	default:
		return "unknown"
	}
}
