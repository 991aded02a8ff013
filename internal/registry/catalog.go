package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	log "github.com/sirupsen/logrus"
)

const catalogURLTemplate = "https://q.%s.amazonaws.com/ListAvailableModels?origin=AI_EDITOR"

// Doer is the slice of the retrying HTTP client the catalog loader needs.
type Doer interface {
	DoOnce(req *http.Request) (*http.Response, error)
}

// TokenSource supplies the bearer token for catalog calls.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// LoadCatalog fetches the upstream model list and replaces the cache's
// dynamic entries. The catalog endpoint is pinned to us-east-1 alongside the
// generation endpoint; the credential region only matters for token refresh.
func (c *Cache) LoadCatalog(ctx context.Context, client Doer, tokens TokenSource, region string) error {
	token, err := tokens.GetAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("registry: catalog token: %w", err)
	}

	url := fmt.Sprintf(catalogURLTemplate, region)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := client.DoOnce(req)
	if err != nil {
		return fmt.Errorf("registry: catalog fetch: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Warnf("registry: close catalog body: %v", errClose)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("registry: read catalog: %w", err)
	}

	models := parseCatalog(data)
	if len(models) == 0 {
		return fmt.Errorf("registry: catalog response contained no models")
	}
	c.Update(models)
	log.Infof("registry: model catalog refreshed, %d entries", len(models))
	return nil
}

func parseCatalog(data []byte) []Model {
	list := gjson.GetBytes(data, "models")
	if !list.Exists() || !list.IsArray() {
		return nil
	}
	models := make([]Model, 0, len(list.Array()))
	list.ForEach(func(_, entry gjson.Result) bool {
		id := entry.Get("modelName").String()
		if id == "" {
			id = entry.Get("modelId").String()
		}
		internal := entry.Get("modelId").String()
		if id == "" || internal == "" {
			return true
		}
		maxInput := int(entry.Get("tokenLimits.maxInputTokens").Int())
		models = append(models, Model{
			ModelID:        id,
			InternalID:     internal,
			MaxInputTokens: maxInput,
		})
		return true
	})
	return models
}
