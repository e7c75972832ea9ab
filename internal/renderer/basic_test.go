package renderer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
)

func TestBasicExtractsTitleAndText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Fees</title><style>p{}</style></head>` +
			`<body><h1>Visa fees</h1><script>var x=1;</script><p>Standard fee is $160.</p></body></html>`))
	}))
	defer srv.Close()

	res, err := NewBasic(nil).Render(context.Background(), Request{URL: srv.URL, Tier: TierIntelligence})
	require.NoError(t, err)
	assert.Equal(t, "Fees", res.Title)
	assert.Contains(t, res.Text, "Visa fees")
	assert.Contains(t, res.Text, "Standard fee is $160.")
	assert.NotContains(t, res.Text, "var x=1")
	require.Len(t, res.NetworkLog, 1)
	assert.Equal(t, http.StatusOK, res.NetworkLog[0].StatusCode)
}

func TestBasicPassesThroughNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"fee":160}`))
	}))
	defer srv.Close()

	res, err := NewBasic(nil).Render(context.Background(), Request{URL: srv.URL, Tier: TierIntelligence})
	require.NoError(t, err)
	assert.Equal(t, `{"fee":160}`, res.Text)
}

func TestBasicFlagsBotInterstitials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	res, err := NewBasic(nil).Render(context.Background(), Request{URL: srv.URL, Tier: TierIntelligence})
	require.NoError(t, err)
	assert.True(t, res.BotDetected)
}

func TestBasicRejectsOtherTiers(t *testing.T) {
	_, err := NewBasic(nil).Render(context.Background(), Request{URL: "https://example.com", Tier: TierPlaywright})
	require.Error(t, err)
	assert.Equal(t, fetcherr.CodeRenderFailed, fetcherr.CodeOf(err))
}

func TestBasicSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewBasic(nil).Render(context.Background(), Request{URL: srv.URL, Tier: TierIntelligence})
	require.Error(t, err)
	assert.Equal(t, fetcherr.CodeRenderFailed, fetcherr.CodeOf(err))
}
