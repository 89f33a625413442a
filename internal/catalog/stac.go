// Package catalog talks to a STAC API: metadata search for a
// spatio-temporal window plus download of the matched band assets into
// Scene values.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/terensis/basetiffs/internal/aoi"
	"github.com/terensis/basetiffs/internal/cache"
	"github.com/terensis/basetiffs/internal/platform"
	"github.com/terensis/basetiffs/internal/properties"
	"github.com/terensis/basetiffs/internal/scene"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	searchLimit     = 200
	downloadWorkers = 4
	requestRetries  = 5
	retryWait       = 5 * time.Second
)

// ItemMeta is the catalog metadata of one scene, enough to decide
// whether and how to fetch it.
type ItemMeta struct {
	ID              string            `json:"id"`
	Collection      string            `json:"collection"`
	SensingTime     time.Time         `json:"sensing_time"`
	ProcessingLevel string            `json:"processing_level"`
	CloudCover      float64           `json:"cloud_cover"`
	ProductURI      string            `json:"product_uri"`
	Assets          map[string]string `json:"assets"`
}

// TimestampedScene pairs a decoded scene with its sensing time.
type TimestampedScene struct {
	Time  time.Time
	Scene *scene.Scene
}

// BandOpener decodes a downloaded asset file into a band. Implemented
// by the raster engine.
type BandOpener interface {
	OpenBand(path string) (*scene.Band, error)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Opener  BandOpener
	Log     *logrus.Entry

	searchCache *cache.FileCache[[]ItemMeta]
}

// NewClient builds a catalog client. When STAC credentials are present
// in the environment the HTTP client carries an OAuth2
// client-credentials token source, as the Copernicus data space
// requires; public catalogs work without.
func NewClient(opener BandOpener, cacheDir string, log *logrus.Entry) *Client {
	httpClient := http.DefaultClient
	if properties.StacClientID() != "" && properties.StacTokenURL() != "" {
		config := &clientcredentials.Config{
			ClientID:     properties.StacClientID(),
			ClientSecret: properties.StacClientSecret(),
			TokenURL:     properties.StacTokenURL(),
		}
		httpClient = config.Client(context.Background())
	}
	c := &Client{
		BaseURL: properties.StacAPIURL(),
		HTTP:    httpClient,
		Opener:  opener,
		Log:     log,
	}
	if cacheDir != "" {
		c.searchCache = cache.NewFileCache[[]ItemMeta](cacheDir, "stac_search")
	}
	return c
}

// stacItem mirrors the subset of a STAC item the pipeline consumes.
type stacItem struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	Properties struct {
		Datetime        string  `json:"datetime"`
		CloudCover      float64 `json:"eo:cloud_cover"`
		CloudyPixelPct  float64 `json:"cloudy_pixel_percentage"`
		ProcessingLevel string  `json:"processing:level"`
		ProductURI      string  `json:"product_uri"`
	} `json:"properties"`
	Assets map[string]struct {
		Href string `json:"href"`
	} `json:"assets"`
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

type searchResponse struct {
	Features []stacItem `json:"features"`
}

// stacOps maps the profile filter operators onto the STAC query
// extension vocabulary.
var stacOps = map[string]string{
	"<":  "lt",
	"<=": "lte",
	">":  "gt",
	">=": "gte",
	"==": "eq",
}

// Query runs a STAC metadata search for the collection, time window and
// AOI, with the profile filters applied server-side. Results are cached
// on disk keyed by the full request so re-scans of settled windows skip
// the network.
func (c *Client) Query(ctx context.Context, p *platform.Profile, timeStart, timeEnd time.Time, area *aoi.AOI) ([]ItemMeta, error) {
	var cacheKey string
	if c.searchCache != nil {
		cacheKey = c.searchCache.GenerateKey(
			p.Collection, timeStart.Format(time.RFC3339), timeEnd.Format(time.RFC3339), area.Name)
		if items, ok := c.searchCache.Get(cacheKey); ok {
			return items, nil
		}
	}

	query := map[string]interface{}{}
	for _, f := range p.Filters {
		op, ok := stacOps[f.Op]
		if !ok {
			return nil, fmt.Errorf("unsupported filter operator %q", f.Op)
		}
		query[f.Field] = map[string]interface{}{op: f.Value}
	}

	body := map[string]interface{}{
		"collections": []string{p.Collection},
		"datetime":    fmt.Sprintf("%s/%s", timeStart.Format(time.RFC3339), timeEnd.Format(time.RFC3339)),
		"intersects":  area.GeoJSON(),
		"limit":       searchLimit,
	}
	if len(query) > 0 {
		body["query"] = query
	}

	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search payload: %v", err)
	}

	data, err := c.post(ctx, c.BaseURL+"/search", requestBody)
	if err != nil {
		return nil, fmt.Errorf("catalog query failed: %w", err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("invalid search response: %w", err)
	}

	items := make([]ItemMeta, 0, len(parsed.Features))
	for _, feat := range parsed.Features {
		item, err := toItemMeta(feat, p)
		if err != nil {
			c.Log.WithError(err).WithField("item", feat.ID).Warn("skipping unparsable catalog item")
			continue
		}
		items = append(items, item)
	}

	if c.searchCache != nil {
		if err := c.searchCache.Set(cacheKey, items); err != nil {
			c.Log.WithError(err).Warn("failed to cache search response")
		}
	}
	return items, nil
}

func toItemMeta(feat stacItem, p *platform.Profile) (ItemMeta, error) {
	sensing, err := time.Parse(time.RFC3339, feat.Properties.Datetime)
	if err != nil {
		return ItemMeta{}, fmt.Errorf("bad datetime %q: %w", feat.Properties.Datetime, err)
	}
	cloud := feat.Properties.CloudCover
	if cloud == 0 && feat.Properties.CloudyPixelPct != 0 {
		cloud = feat.Properties.CloudyPixelPct
	}
	uri := feat.Properties.ProductURI
	if uri == "" {
		for _, l := range feat.Links {
			if l.Rel == "self" {
				uri = l.Href
				break
			}
		}
	}
	if uri == "" {
		uri = feat.ID
	}
	level := feat.Properties.ProcessingLevel
	if level == "" {
		for _, f := range p.Filters {
			if f.Field == "processing_level" {
				level = fmt.Sprintf("%v", f.Value)
			}
		}
	}
	assets := make(map[string]string, len(feat.Assets))
	for key, a := range feat.Assets {
		assets[key] = a.Href
	}
	return ItemMeta{
		ID:              feat.ID,
		Collection:      feat.Collection,
		SensingTime:     sensing,
		ProcessingLevel: level,
		CloudCover:      cloud,
		ProductURI:      uri,
		Assets:          assets,
	}, nil
}

// Fetch downloads the selected band assets of each item and decodes
// them into scenes, returned ascending by sensing time. Band downloads
// within a scene run in parallel; scenes themselves are fetched one at
// a time.
func (c *Client) Fetch(ctx context.Context, p *platform.Profile, items []ItemMeta) ([]TimestampedScene, error) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].SensingTime.Before(items[j].SensingTime)
	})

	progressBar := progressbar.Default(int64(len(items)), "Fetching scenes")
	defer progressBar.Finish()

	scenes := make([]TimestampedScene, 0, len(items))
	for _, item := range items {
		sc, err := c.fetchScene(ctx, p, item)
		if err != nil {
			return nil, fmt.Errorf("fetching scene %s: %w", item.ID, err)
		}
		scenes = append(scenes, TimestampedScene{Time: item.SensingTime, Scene: sc})
		progressBar.Add(1)
	}
	return scenes, nil
}

func (c *Client) fetchScene(ctx context.Context, p *platform.Profile, item ItemMeta) (*scene.Scene, error) {
	tmpDir, err := os.MkdirTemp("", "basetiffs_fetch_")
	if err != nil {
		return nil, fmt.Errorf("failed to create download directory: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	type bandFile struct {
		name string
		path string
	}
	files := make([]bandFile, len(p.Bands))

	wp := workerpool.New(downloadWorkers)
	var mu sync.Mutex
	var firstErr error
	for i, spec := range p.Bands {
		wp.Submit(func() {
			href, ok := item.Assets[spec.AssetKey]
			if !ok {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("item %s has no asset %q", item.ID, spec.AssetKey)
				}
				mu.Unlock()
				return
			}
			dst := filepath.Join(tmpDir, spec.AssetKey+".tif")
			if err := c.download(ctx, href, dst); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			files[i] = bandFile{name: spec.Name, path: dst}
			mu.Unlock()
		})
	}
	wp.StopWait()
	if firstErr != nil {
		return nil, firstErr
	}

	sc := scene.New(scene.Properties{
		ProductURI:      item.ProductURI,
		SensingTime:     item.SensingTime,
		ProcessingLevel: item.ProcessingLevel,
		Platform:        p.Name,
	})
	for _, f := range files {
		b, err := c.Opener.OpenBand(f.path)
		if err != nil {
			return nil, fmt.Errorf("decoding band %s: %w", f.name, err)
		}
		sc.AddBand(f.name, b)
	}
	return sc, nil
}

func (c *Client) download(ctx context.Context, href, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= requestRetries; attempt++ {
		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = fmt.Errorf("GET %s: status %d: %s", href, resp.StatusCode, body)
		} else {
			out, err := os.Create(dst)
			if err != nil {
				resp.Body.Close()
				return err
			}
			_, err = io.Copy(out, resp.Body)
			resp.Body.Close()
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err == nil {
				return nil
			}
			lastErr = err
		}

		c.Log.WithError(lastErr).Warnf("download attempt %d/%d failed", attempt, requestRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryWait):
		}
	}
	return fmt.Errorf("failed to download after %d attempts: %v", requestRetries, lastErr)
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= requestRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
		} else {
			data, rerr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if rerr != nil {
				lastErr = rerr
			} else if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("unauthorized access, check your client ID and secret")
			} else if resp.StatusCode != http.StatusOK {
				lastErr = fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode, data)
			} else {
				return data, nil
			}
		}

		c.Log.WithError(lastErr).Warnf("search attempt %d/%d failed", attempt, requestRetries)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryWait):
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %v", requestRetries, lastErr)
}
