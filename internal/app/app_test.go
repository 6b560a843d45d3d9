package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/cropcost-pipeline/internal/config"
	"github.com/JakeFAU/cropcost-pipeline/internal/fetcher"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	memorypublisher "github.com/JakeFAU/cropcost-pipeline/internal/publisher/memory"
	"github.com/JakeFAU/cropcost-pipeline/internal/storage/local"
	"github.com/JakeFAU/cropcost-pipeline/internal/storage/sqlite"
	"github.com/JakeFAU/cropcost-pipeline/internal/store"
)

const budgetTable = `<table>
<tr><th>Item</th><th>2024</th></tr>
<tr><td>Fertilizer</td><td>162.50</td></tr>
<tr><td>Seed</td><td>118</td></tr>
</table>`

type staticTransport string

func (s staticTransport) Do(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	return fetcher.Response{URL: req.URL, StatusCode: 200, ContentType: "text/html", Body: []byte(s)}, nil
}

func testConfig() config.Config {
	return config.Config{
		Server:   config.ServerConfig{Port: 8080},
		Pipeline: config.PipelineConfig{Concurrency: 2, PartialRejectRatio: 0.2},
		Fetch:    config.FetchConfig{UserAgent: "test", TimeoutSeconds: 5},
		Validation: config.ValidationConfig{
			MinYear:          1975,
			MaxYear:          2030,
			Units:            config.DefaultUnits,
			KnownCommodities: config.DefaultCommodities,
			KnownLocations:   config.DefaultLocations,
			KnownSources:     config.DefaultSources,
		},
		Standardize: config.StandardizeConfig{VersionLabel: "v1"},
		Store:       config.StoreConfig{Backend: config.BackendMemory},
		Sources: map[string]config.SourceConfig{
			"isu": {
				Enabled:    true,
				Documents:  []config.DocumentConfig{{URL: "https://www.extension.iastate.edu/agdm/crops/corn.html"}},
				RatePolicy: config.RatePolicyConfig{MaxRetries: 1, TimeoutSeconds: 5},
				Extractor: config.ExtractorConfig{
					Kind:        config.ExtractorHTML,
					Layout:      config.LayoutWide,
					SourceLabel: "ISU",
					Commodity:   "Corn",
					Location:    "Iowa",
					Unit:        "$/acre",
				},
			},
		},
	}
}

func offline() Overrides {
	return Overrides{HTTP: staticTransport(budgetTable), Registerer: prometheus.NewRegistry()}
}

func TestNewRunsPipelineEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pub := memorypublisher.New()
	over := offline()
	over.Publisher = pub
	a, err := New(ctx, testConfig(), zap.NewNop(), over)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	assert.Nil(t, a.Archive)
	rep, err := a.Orchestrator.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSucceeded, rep.State)
	assert.Equal(t, 2, rep.Totals.Accepted)

	sum, err := a.Store.Standardize(ctx, a.Standardizer)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Written)
	assert.Equal(t, a.Standardizer.Version(), sum.Version)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RunsTopic, msgs[0].Topic)
}

func TestNewWiresSQLiteAndLocalArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	cfg := testConfig()
	cfg.Store = config.StoreConfig{Backend: config.BackendSQLite, Path: filepath.Join(dir, "cropcost.db")}
	cfg.Archive = config.ArchiveConfig{Backend: config.ArchiveLocal, BaseDir: filepath.Join(dir, "archive"), Prefix: "payloads"}

	a, err := New(ctx, cfg, zap.NewNop(), offline())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	assert.IsType(t, &sqlite.RecordStore{}, a.Store)
	assert.IsType(t, &local.BlobStore{}, a.Archive)

	rep, err := a.Orchestrator.Run(ctx, []string{"isu"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSucceeded, rep.State)

	raw, err := a.Store.ListRaw(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, raw, 2)
}

func TestNewConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "unknown store backend",
			mutate: func(c *config.Config) { c.Store.Backend = "mongo" },
			want:   `store.backend "mongo" is not supported`,
		},
		{
			name:   "unknown archive backend",
			mutate: func(c *config.Config) { c.Archive.Backend = "s3" },
			want:   `archive.backend "s3" is not supported`,
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *config.Config) { c.Store = config.StoreConfig{Backend: config.BackendPostgres} },
			want:   "store.dsn is required",
		},
		{
			name: "unknown extractor",
			mutate: func(c *config.Config) {
				src := c.Sources["isu"]
				src.Extractor.Kind = "pdf"
				c.Sources["isu"] = src
			},
			want: "pdf",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tc.mutate(&cfg)
			a, err := New(context.Background(), cfg, zap.NewNop(), offline())
			require.Error(t, err)
			assert.Nil(t, a)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCloseRunsInReverseOrderAndJoinsErrors(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	a := &App{Logger: zap.New(core)}
	var order []string
	a.onClose("first", func(context.Context) error {
		order = append(order, "first")
		return errors.New("boom")
	})
	a.onClose("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	err := a.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close first: boom")
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, 1, logs.FilterMessage("close failed").Len())

	require.NoError(t, a.Close(context.Background()), "closers run once")
}
