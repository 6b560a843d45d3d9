package orchestrator

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cropcost-pipeline/internal/config"
	"github.com/JakeFAU/cropcost-pipeline/internal/extract"
	"github.com/JakeFAU/cropcost-pipeline/internal/fetcher"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	"github.com/JakeFAU/cropcost-pipeline/internal/publisher/memory"
	memstore "github.com/JakeFAU/cropcost-pipeline/internal/storage/memory"
	"github.com/JakeFAU/cropcost-pipeline/internal/store"
	"github.com/JakeFAU/cropcost-pipeline/internal/validate"
	"github.com/JakeFAU/cropcost-pipeline/internal/worker"
)

const isuTable = `<table>
<tr><th>Item</th><th>2023</th><th>2024</th></tr>
<tr><td>Fertilizer</td><td>150.00</td><td>162.50</td></tr>
<tr><td>Seed</td><td>110</td><td>118</td></tr>
</table>`

const usdaTable = `<table>
<tr><th>Item</th><th>2023</th></tr>
<tr><td>Fertilizer</td><td>41.2</td></tr>
<tr><td>Chemicals</td><td>38.9</td></tr>
</table>`

// hostTransport serves fixed bodies by host; unknown hosts answer 503.
type hostTransport map[string]string

func (h hostTransport) Do(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return fetcher.Response{}, err
	}
	body, ok := h[u.Host]
	if !ok {
		return fetcher.Response{URL: req.URL, StatusCode: 503}, nil
	}
	return fetcher.Response{URL: req.URL, StatusCode: 200, ContentType: "text/html", Body: []byte(body)}, nil
}

func htmlSource(rawURL, label, commodity, location string) config.SourceConfig {
	return config.SourceConfig{
		Enabled:    true,
		Documents:  []config.DocumentConfig{{URL: rawURL}},
		RatePolicy: config.RatePolicyConfig{MaxRetries: 1, TimeoutSeconds: 5},
		Extractor: config.ExtractorConfig{
			Kind:        config.ExtractorHTML,
			Layout:      config.LayoutWide,
			SourceLabel: label,
			Commodity:   commodity,
			Location:    location,
			Unit:        "$/acre",
		},
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := config.Config{Sources: map[string]config.SourceConfig{
		"isu":    htmlSource("https://www.extension.iastate.edu/agdm/crops/corn.html", "ISU", "Corn", "Iowa"),
		"purdue": htmlSource("https://ag.purdue.edu/commercialag/budget.html", "Purdue", "Corn", "Indiana"),
		"usda":   htmlSource("https://www.ers.usda.gov/soybeans.html", "USDA", "Soybeans", "National"),
	}}
	clock := fakeClock{now: epoch}
	exec, err := fetcher.New(fetcher.Options{
		HTTP: hostTransport{
			"www.extension.iastate.edu": isuTable,
			"www.ers.usda.gov":          usdaTable,
		},
		Clock: clock,
	})
	require.NoError(t, err)
	registry, err := extract.FromConfig(cfg)
	require.NoError(t, err)

	repo := memstore.NewRecordStore(clock)
	validator := validate.New(validate.Config{
		MinYear:          1975,
		MaxYear:          2030,
		Units:            config.DefaultUnits,
		KnownCommodities: config.DefaultCommodities,
		KnownLocations:   config.DefaultLocations,
		KnownSources:     config.DefaultSources,
	})
	w := worker.New(exec, registry, validator, repo, clock, nil, worker.Config{PartialRejectRatio: 0.2}, zap.NewNop())
	pub := memory.New()
	orch, err := New(Options{
		Sources:     cfg.Sources,
		Concurrency: 2,
		Runner:      w,
		Store:       repo,
		IDs:         fixedIDs{},
		Clock:       clock,
		Publisher:   pub,
		Topic:       "runs",
	})
	require.NoError(t, err)

	rep, err := orch.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunPartialSuccess, rep.State)
	assert.Equal(t, pipeline.SourceSucceeded, rep.Sources["isu"].Status.State)
	assert.Equal(t, pipeline.SourceSucceeded, rep.Sources["usda"].Status.State)
	purdue := rep.Sources["purdue"].Status
	assert.Equal(t, pipeline.SourceFailed, purdue.State)
	require.NotEmpty(t, purdue.Errors)
	assert.Contains(t, purdue.Errors[0], "exhausted after 2 attempts")
	assert.Equal(t, 6, rep.Totals.Accepted)

	raw, err := repo.ListRaw(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, raw, 6)
	iowa, err := repo.ListRaw(ctx, store.Filter{Location: "iowa", Year: "2024"})
	require.NoError(t, err)
	assert.Len(t, iowa, 2)

	// Re-running the same documents only re-affirms existing rows.
	rep, err = orch.Run(ctx, []string{"isu"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSucceeded, rep.State)
	assert.Equal(t, 4, rep.Totals.Duplicate)
	assert.Zero(t, rep.Totals.Accepted)
	raw, err = repo.ListRaw(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, raw, 6)

	runs, err := repo.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
	assert.Len(t, pub.Messages(), 2)
}
