package dataplane

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/feeds"
	"github.com/xkilldash9x/scalpel-feeds/internal/knowledgegraph"
	"github.com/xkilldash9x/scalpel-feeds/internal/observables"
	"github.com/xkilldash9x/scalpel-feeds/internal/relationships"
)

const telnetPayload = `#
# ASN | ASname | ipaddr | lastseen | category
#
64500 | EXAMPLE-NET | 1.2.3.4 | 2024-01-02 00:00:00 | telnetlogin
64501 | OTHER-NET | 5.6.7.8 | 2024-01-01 12:00:00 | telnetlogin
`

const dnsPayload = `# dataplane.org dnsversion
64500 | EXAMPLE-NET | 1.2.3.4 | 2024-01-02 00:00:00 | dnsversion
      |             | 1.2.3.5 | 2024-01-01 06:00:00 | dnsversion
64502 | SKIPPED     |         | 2024-01-03 00:00:00 | dnsversion
64503 | BROKEN      | 300.1.1.1 | 2024-01-04 00:00:00 | dnsversion
`

type harness struct {
	kg  *knowledgegraph.InMemoryKG
	obs *observables.Store
	rel *relationships.Store
}

func newHarness() harness {
	kg := knowledgegraph.NewInMemoryKG(zap.NewNop())
	return harness{kg: kg, obs: observables.New(kg, 0, nil), rel: relationships.New(kg, nil)}
}

func staticFetcher(body string) feeds.Fetcher {
	return feeds.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		return []byte(body), nil
	})
}

func TestDecode(t *testing.T) {
	rows, err := Decode([]byte(dnsPayload), true)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, Row{
		ASN: "64500", ASName: "EXAMPLE-NET", IP: "1.2.3.4",
		LastSeen: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Category: "dnsversion",
	}, rows[0])
	assert.Equal(t, "64500", rows[1].ASN, "empty ASN cells are forward filled")
	assert.Equal(t, "EXAMPLE-NET", rows[1].ASName)
	assert.Empty(t, rows[2].IP)

	unfilled, err := Decode([]byte(dnsPayload), false)
	require.NoError(t, err)
	assert.Empty(t, unfilled[1].ASN)

	_, err = Decode([]byte("64500 | only | three\n"), true)
	assert.Error(t, err, "a payload without a single well formed line is not a feed")
	_, err = Decode([]byte("<html>\n<body>Not Found</body>\n"), true)
	assert.Error(t, err)

	mixed, err := Decode([]byte("64500 | N | 1.2.3.4 | yesterday | x\n64500 | only | three\n64500 | N | 1.2.3.5 | 2024-01-02 00:00:00 | x\n"), true)
	require.NoError(t, err)
	require.Len(t, mixed, 3)
	assert.ErrorIs(t, mixed[0].Validate(), schemas.ErrValidation)
	assert.ErrorContains(t, mixed[0].Validate(), "line 1")
	assert.ErrorIs(t, mixed[1].Validate(), schemas.ErrValidation)
	assert.ErrorContains(t, mixed[1].Validate(), "expected 5 fields")
	assert.NoError(t, mixed[2].Validate())

	rfc, err := Decode([]byte("64500 | N | 1.2.3.4 | 2024-01-02T01:00:00+01:00 | x\n"), true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), rfc[0].LastSeen)
}

func TestRowValidate(t *testing.T) {
	ok := Row{ASN: "64500", IP: "1.2.3.4", LastSeen: time.Now()}
	assert.NoError(t, ok.Validate())

	noIP := ok
	noIP.IP = ""
	assert.ErrorIs(t, noIP.Validate(), schemas.ErrSkipRecord)

	badIP := ok
	badIP.IP = "2001:db8::1"
	assert.ErrorIs(t, badIP.Validate(), schemas.ErrValidation)

	noASN := ok
	noASN.ASN = ""
	assert.ErrorIs(t, noASN.Validate(), schemas.ErrValidation)
}

func TestTelnetLogin_Scenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	task := NewTelnetLogin(staticFetcher(telnetPayload), h.obs, h.rel)

	res, err := task.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), res.Watermark)

	ip, err := h.obs.Get(ctx, schemas.ObservableIPv4, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, []string{"bruteforce", "dataplane", "scanning", "telnet", "telnetlogin"}, ip.Tags)
	block, ok := ip.ContextFor(TelnetLoginName)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"source": TelnetLoginName}, block.Data)

	asn, err := h.obs.Get(ctx, schemas.ObservableASN, "AS64500")
	require.NoError(t, err)
	assert.True(t, asn.HasTag("scanning"))

	edges, err := h.rel.Edges(ctx, asn)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, ip.ID, edges[0].To)
	assert.Equal(t, schemas.RelationshipASNIP, edges[0].Type)
	assert.Equal(t, TelnetLoginName, edges[0].Source)

	t.Run("re-running with the committed watermark changes nothing", func(t *testing.T) {
		nodesBefore, edgesBefore := h.kg.Stats()
		again, err := task.Run(ctx, res.Watermark)
		require.NoError(t, err)
		assert.Zero(t, again.Processed)
		assert.Equal(t, 2, again.Filtered)
		assert.Equal(t, res.Watermark, again.Watermark)

		nodesAfter, edgesAfter := h.kg.Stats()
		assert.Equal(t, nodesBefore, nodesAfter)
		assert.Equal(t, edgesBefore, edgesAfter)
	})

	t.Run("re-running from scratch converges to the same graph", func(t *testing.T) {
		nodesBefore, edgesBefore := h.kg.Stats()
		_, err := task.Run(ctx, time.Time{})
		require.NoError(t, err)

		nodesAfter, edgesAfter := h.kg.Stats()
		assert.Equal(t, nodesBefore, nodesAfter)
		assert.Equal(t, edgesBefore, edgesAfter)
	})
}

func TestTelnetLogin_BadRowIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	payload := `64500 | EXAMPLE-NET | 1.2.3.4 | 2024-01-02 00:00:00 | telnetlogin
64501 | OTHER-NET | 5.6.7.8 |  | telnetlogin
64502 | THIRD-NET | 9.9.9.9 | 2024-01-03 00:00:00 | telnetlogin
`
	watermark := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	res, err := NewTelnetLogin(staticFetcher(payload), h.obs, h.rel).Run(ctx, watermark)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), res.Watermark)

	_, err = h.obs.Get(ctx, schemas.ObservableIPv4, "5.6.7.8")
	assert.ErrorIs(t, err, schemas.ErrNotFound, "the row without a timestamp is not ingested")
	_, err = h.obs.Get(ctx, schemas.ObservableIPv4, "9.9.9.9")
	assert.NoError(t, err)
}

func TestDNSVersion(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	task := NewDNSVersion(staticFetcher(dnsPayload), h.obs, h.rel)

	res, err := task.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Skipped, "the row without an address and the malformed address are skipped")
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), res.Watermark, "skipped rows never move the watermark")

	asn, err := h.obs.Get(ctx, schemas.ObservableASN, "64500")
	require.NoError(t, err)
	assert.Equal(t, []string{"dataplane", "dnsversion"}, asn.Tags)
	block, ok := asn.ContextFor(DNSVersionName)
	require.True(t, ok)
	assert.Equal(t, "EXAMPLE-NET", block.Data["name"])
	assert.NotEmpty(t, block.Data["last_seen"])

	edges, err := h.rel.Edges(ctx, asn)
	require.NoError(t, err)
	assert.Len(t, edges, 2, "the forward filled row links the same ASN")

	_, err = h.obs.Get(ctx, schemas.ObservableASN, "64502")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestFeedsShareNodes(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	_, err := NewTelnetLogin(staticFetcher(telnetPayload), h.obs, h.rel).Run(ctx, time.Time{})
	require.NoError(t, err)
	_, err = NewDNSVersion(staticFetcher(dnsPayload), h.obs, h.rel).Run(ctx, time.Time{})
	require.NoError(t, err)

	ip, err := h.obs.Get(ctx, schemas.ObservableIPv4, "1.2.3.4")
	require.NoError(t, err)
	assert.Len(t, ip.Context, 2, "one context block per feed")
	assert.True(t, ip.HasTag("telnet"))
	assert.True(t, ip.HasTag("dnsversion"))

	asn, err := h.obs.Get(ctx, schemas.ObservableASN, "64500")
	require.NoError(t, err)
	edges, err := h.rel.Edges(ctx, asn)
	require.NoError(t, err)

	var toIP []string
	for _, e := range edges {
		if e.To == ip.ID {
			toIP = append(toIP, e.Source)
		}
	}
	assert.ElementsMatch(t, []string{TelnetLoginName, DNSVersionName}, toIP, "the same fact from two feeds is two attributed edges")
}

func TestOverrides(t *testing.T) {
	h := newHarness()
	task := NewDNSVersion(staticFetcher(""), h.obs, h.rel, feeds.WithSource("https://mirror.test/dns.txt"), feeds.WithFrequency(time.Hour))
	def := task.Definition()
	assert.Equal(t, DNSVersionName, def.Name)
	assert.Equal(t, "https://mirror.test/dns.txt", def.Source)
	assert.Equal(t, time.Hour, def.Frequency)
}
