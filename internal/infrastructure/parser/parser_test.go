package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
	"FilingScanner/internal/scanner"
)

const indexPage = `
<html><body>
<table>
  <tr><td>
    <table>
      <tr><td colspan="6"><a href="/cgi-bin/browse-edgar?action=getcompany&CIK=0000320193">APPLE INC (0000320193) (Filer)</a></td></tr>
      <tr>
        <td nowrap="nowrap">8-K</td>
        <td nowrap="nowrap"><a href="/Archives/edgar/data/320193/000032019325000001/0000320193-25-000001-index.htm">[html]</a></td>
        <td class="small">Current report, items 2.02 and 9.01<br>Acc-no: 0000320193-25-000001&nbsp;(34 Act)&nbsp; Size: 12 KB</td>
        <td>2025-03-01<br>16:05:12</td>
        <td>2025-03-01</td>
      </tr>
      <tr><td colspan="6"><a href="/cgi-bin/browse-edgar?action=getcompany&CIK=0000999999">ACME CORP (0000999999) (Filer)</a></td></tr>
      <tr>
        <td nowrap="nowrap">10-Q</td>
        <td nowrap="nowrap"><a href="/Archives/edgar/data/999999/000099999925000002/0000999999-25-000002-index.htm">[html]</a></td>
        <td class="small">Quarterly report<br>Acc-no: 0000999999-25-000002&nbsp;(34 Act)</td>
        <td>2025-02-27<br>09:00:00</td>
        <td>2025-02-27</td>
      </tr>
    </table>
  </td></tr>
</table>
</body></html>`

const atomFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Latest Filings</title>
  <updated>2025-03-01T16:10:00-05:00</updated>
  <entry>
    <title>8-K - APPLE INC (0000320193) (Filer)</title>
    <link rel="alternate" type="text/html" href="https://www.sec.gov/Archives/edgar/data/320193/000032019325000001/0000320193-25-000001-index.htm"/>
    <summary type="html"> &lt;b&gt;Filed:&lt;/b&gt; 2025-03-01 &lt;b&gt;AccNo:&lt;/b&gt; 0000320193-25-000001</summary>
    <updated>2025-03-01T16:05:12-05:00</updated>
    <category scheme="https://www.sec.gov/" label="form type" term="8-K"/>
    <id>urn:tag:sec.gov,2008:accession-number=0000320193-25-000001</id>
  </entry>
  <entry>
    <title>4 - DOE JOHN (0001234567) (Reporting)</title>
    <link rel="alternate" type="text/html" href="https://www.sec.gov/Archives/edgar/data/1234567/000123456725000009/0001234567-25-000009-index.htm"/>
    <updated>2025-02-20T10:00:00-05:00</updated>
    <category scheme="https://www.sec.gov/" label="form type" term="4"/>
    <id>urn:tag:sec.gov,2008:accession-number=0001234567-25-000009</id>
  </entry>
</feed>`

func TestBuildPageURL(t *testing.T) {
	t.Parallel()

	u, err := buildPageURL("https://www.sec.gov/cgi-bin/browse-edgar?action=getcurrent&start=0&count=40", 200, 100)
	require.NoError(t, err)

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "www.sec.gov", parsed.Host)

	q := parsed.Query()
	assert.Equal(t, "200", q.Get("start"))
	assert.Equal(t, "100", q.Get("count"))
	assert.Equal(t, "getcurrent", q.Get("action"))
}

func TestEdgarIndexScannerScan(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "Tester test@example.com", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(indexPage))
	}))
	defer server.Close()

	sc := NewEdgarIndexScanner(server.Client(), nil, "Tester test@example.com", nil)
	batch, err := sc.Scan(context.Background(), scanner.Request{
		Since:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		SourceName: "edgar-current",
		Feeds:      []scanner.Feed{{Name: "current", URL: server.URL + "/cgi-bin/browse-edgar?action=getcurrent"}},
	})
	require.NoError(t, err)
	assert.False(t, batch.Truncated)
	refs := batch.Refs
	require.Len(t, refs, 1)

	ref := refs[0]
	assert.Equal(t, "0000320193-25-000001", ref.FilingID)
	assert.Equal(t, "8-K", ref.FilingType)
	assert.Equal(t, "APPLE INC", ref.CompanyName)
	assert.Equal(t, "0000320193", ref.CompanyIdentifier)
	assert.Equal(t, "edgar-current", ref.SourceID)
	assert.True(t, strings.HasSuffix(ref.SourceURL, "0000320193-25-000001-index.htm"))
	assert.True(t, strings.HasPrefix(ref.SourceURL, server.URL))
	assert.True(t, time.Date(2025, 3, 1, 21, 5, 12, 0, time.UTC).Equal(ref.PublishedAt), "got %s", ref.PublishedAt)
	assert.Equal(t, int32(1), requests.Load(), "older entry ends the walk")
}

func TestAtomFeedScannerScan(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "Tester test@example.com", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(atomFeed))
	}))
	defer server.Close()

	sc := NewAtomFeedScanner(server.Client(), nil, "Tester test@example.com", nil)
	batch, err := sc.Scan(context.Background(), scanner.Request{
		Since:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		SourceName: "edgar-feeds",
		Feeds:      []scanner.Feed{{Name: "form_8k", URL: server.URL + "/cgi-bin/browse-edgar?action=getcurrent&type=8-K&output=atom"}},
	})
	require.NoError(t, err)
	assert.False(t, batch.Truncated)
	refs := batch.Refs
	require.Len(t, refs, 1)
	assert.Equal(t, int32(1), requests.Load())

	ref := refs[0]
	assert.Equal(t, "0000320193-25-000001", ref.FilingID)
	assert.Equal(t, "8-K", ref.FilingType)
	assert.Equal(t, "APPLE INC", ref.CompanyName)
	assert.Equal(t, "0000320193", ref.CompanyIdentifier)
	assert.Equal(t, "edgar-feeds", ref.SourceID)
	assert.True(t, time.Date(2025, 3, 1, 21, 5, 12, 0, time.UTC).Equal(ref.PublishedAt), "got %s", ref.PublishedAt)
	require.NoError(t, ref.Validate())
}

func TestEdgarIndexScannerReportsTruncation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(indexPage))
	}))
	defer server.Close()

	sc := NewEdgarIndexScanner(server.Client(), nil, "", nil)
	batch, err := sc.Scan(context.Background(), scanner.Request{
		Since:      time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		SourceName: "edgar-current",
		Feeds:      []scanner.Feed{{Name: "current", URL: server.URL + "/current"}},
		Options:    map[string]string{"pageSize": "2", "maxPages": "1"},
	})
	require.NoError(t, err)
	require.Len(t, batch.Refs, 2)
	assert.True(t, batch.Truncated, "a full last page that never reached since is a truncated listing")
	assert.True(t, time.Date(2025, 2, 27, 14, 0, 0, 0, time.UTC).Equal(batch.Horizon), "got %s", batch.Horizon)
}

func TestPageWalkSkipsPagesAboveUntil(t *testing.T) {
	t.Parallel()

	until := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	walk := newPageWalk(scanner.Request{
		Since:   until.Add(-24 * time.Hour),
		Until:   until,
		Options: map[string]string{"maxPages": "1", "maxSkipPages": "2"},
	}, 2)

	assert.False(t, walk.admit(until.Add(time.Hour)))
	assert.True(t, walk.admit(until), "the bound itself is re-listed")
	assert.True(t, walk.next(2), "a page with nothing below the bound does not spend the budget")

	assert.True(t, walk.admit(until.Add(-time.Hour)))
	assert.True(t, walk.admit(until.Add(-2*time.Hour)))
	assert.False(t, walk.next(2))
	assert.True(t, walk.truncated)
	assert.True(t, until.Add(-2*time.Hour).Equal(walk.horizon()))
}

func TestExpandCompanyFeeds(t *testing.T) {
	t.Parallel()

	feeds := expandCompanyFeeds([]scanner.Feed{{Name: "latest", URL: "https://x/latest"}}, "0000320193, 0000789019")
	require.Len(t, feeds, 3)
	assert.Equal(t, "company_0000320193", feeds[1].Name)
	assert.Contains(t, feeds[1].URL, "CIK=0000320193")
	assert.Contains(t, feeds[2].URL, "CIK=0000789019")
}

func TestStrategySourceMarksSourceUnavailable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	reg := scanner.NewRegistry()
	reg.Register(NewAtomFeedScanner(server.Client(), nil, "", nil))
	sources, err := NewStrategySources(reg, []config.SourceConfig{{
		Name:    "edgar-feeds",
		Scanner: "edgar-atom",
		Feeds:   []config.FeedConfig{{Name: "latest", URL: server.URL + "/feed"}},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, sources, 1)

	_, err = sources[0].Fetch(context.Background(), domain.Window{Since: time.Now()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSourceUnavailable))

	_, err = NewStrategySources(reg, []config.SourceConfig{{Name: "x", Scanner: "missing"}}, nil)
	assert.Error(t, err)
}

func TestHTMLTextFromSubmission(t *testing.T) {
	t.Parallel()

	submission := `<SEC-DOCUMENT>0000320193-25-000001.txt
<DOCUMENT>
<TYPE>8-K
<SEQUENCE>1
<TEXT>
<html><head><title>8-K</title><style>p{}</style></head>
<body><p>Apple Inc. announced   the appointment</p><p>of a new CFO.</p><script>var x;</script></body></html>
</TEXT>
</DOCUMENT>
<DOCUMENT>
<TYPE>GRAPHIC
<SEQUENCE>2
<TEXT>
begin 644 logo.jpg
` + "M_]C_X``02D9)1@`!`0$`8`!@``#_\n" + `end
</TEXT>
</DOCUMENT>
</SEC-DOCUMENT>`

	text, err := HTMLText{}.Text([]byte(submission))
	require.NoError(t, err)
	assert.Contains(t, text, "Apple Inc. announced the appointment of a new CFO.")
	assert.NotContains(t, text, "begin 644")
	assert.NotContains(t, text, "var x")
	assert.NotContains(t, text, "p{}")
}

func TestHTMLTextPlainDocument(t *testing.T) {
	t.Parallel()

	text, err := HTMLText{}.Text([]byte("<div>Item 5.02<br>Departure of Directors</div>"))
	require.NoError(t, err)
	assert.Equal(t, "Item 5.02 Departure of Directors", text)
}
