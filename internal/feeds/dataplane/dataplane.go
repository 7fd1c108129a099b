// Package dataplane implements the dataplane.org text feeds. Both feeds share
// one row layout:
//
//	ASN | ASname | ipaddr | lastseen | category
package dataplane

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/feeds"
)

const (
	DNSVersionName   = "DataplaneDNSVersion"
	TelnetLoginName  = "DataplaneTelnetLogin"
	DNSVersionURL    = "https://dataplane.org/dnsversion.txt"
	TelnetLoginURL   = "https://dataplane.org/telnetlogin.txt"
	DefaultFrequency = 12 * time.Hour

	lastSeenLayout = "2006-01-02 15:04:05"
	fieldCount     = 5
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Row is one line of a dataplane feed.
type Row struct {
	ASN      string    `validate:"required"`
	ASName   string    `validate:"max=256"`
	IP       string    `validate:"required,ip4_addr"`
	LastSeen time.Time `validate:"required"`
	Category string    `validate:"max=64"`

	// err records why the line could not be parsed. Such rows fail
	// validation and are skipped without stopping the batch.
	err error
}

// Timestamp implements feeds.Record.
func (r Row) Timestamp() time.Time { return r.LastSeen }

// Validate implements feeds.Validator. A row without an address carries
// nothing to ingest and is skipped.
func (r Row) Validate() error {
	if r.err != nil {
		return fmt.Errorf("%v: %w", r.err, schemas.ErrValidation)
	}
	if r.IP == "" {
		return fmt.Errorf("row for AS%s has no address: %w", r.ASN, schemas.ErrSkipRecord)
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("row %s: %v: %w", r.IP, err, schemas.ErrValidation)
	}
	return nil
}

// Decode parses a dataplane payload. Comment and blank lines are ignored.
// With fill set, empty ASN and ASname cells inherit the previous row's values.
// A line that cannot be parsed becomes a row that fails validation, so one
// bad line costs one record. Decode only fails when no data line has the
// expected shape, which means the payload is not a dataplane feed at all.
func Decode(raw []byte, fill bool) ([]Row, error) {
	var (
		rows   []Row
		prev   Row
		shaped int
	)
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "|")
		if len(fields) != fieldCount {
			rows = append(rows, Row{err: fmt.Errorf("line %d: expected %d fields, got %d", lineNo, fieldCount, len(fields))})
			continue
		}
		shaped++
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		row := Row{ASN: fields[0], ASName: fields[1], IP: fields[2], Category: fields[4]}
		if row.LastSeen, row.err = parseLastSeen(fields[3]); row.err != nil {
			row.err = fmt.Errorf("line %d: %w", lineNo, row.err)
		}
		if fill && row.ASN == "" {
			row.ASN = prev.ASN
			if row.ASName == "" {
				row.ASName = prev.ASName
			}
		}
		rows = append(rows, row)
		prev = row
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan payload: %w", err)
	}
	if len(rows) > 0 && shaped == 0 {
		return nil, fmt.Errorf("no line has %d fields", fieldCount)
	}
	return rows, nil
}

func parseLastSeen(value string) (time.Time, error) {
	if ts, err := time.ParseInLocation(lastSeenLayout, value, time.UTC); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid lastseen %q", value)
	}
	return ts.UTC(), nil
}

// analyzer writes one row as an IPv4 and an ASN observable joined by an
// ASN_IP edge, all attributed to the feed.
type analyzer struct {
	feed       string
	tags       []string
	asnDetails bool
	obs        feeds.ObservableStore
	rel        feeds.RelationshipStore
}

func (a *analyzer) Analyze(ctx context.Context, row Row) error {
	tags := append([]string(nil), a.tags...)
	if category := categoryTag(row.Category); category != "" {
		tags = append(tags, category)
	}

	ip, err := a.obs.Upsert(ctx, schemas.ObservableIPv4, row.IP)
	if err != nil {
		return err
	}
	if ip, err = a.obs.AddContext(ctx, ip, a.feed, map[string]any{"source": a.feed}); err != nil {
		return err
	}
	if ip, err = a.obs.Tag(ctx, ip, tags...); err != nil {
		return err
	}

	asn, err := a.obs.Upsert(ctx, schemas.ObservableASN, row.ASN)
	if err != nil {
		return err
	}
	asnContext := map[string]any{"source": a.feed}
	if a.asnDetails {
		asnContext["name"] = row.ASName
		asnContext["last_seen"] = row.LastSeen.Format(time.RFC3339)
	}
	if asn, err = a.obs.AddContext(ctx, asn, a.feed, asnContext); err != nil {
		return err
	}
	if asn, err = a.obs.Tag(ctx, asn, tags...); err != nil {
		return err
	}

	if _, _, err := a.rel.Link(ctx, asn, ip, schemas.RelationshipASNIP, a.feed); err != nil {
		return err
	}
	return nil
}

// categoryTag maps a free-text category cell to a tag.
func categoryTag(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	return strings.Join(strings.Fields(category), "_")
}

// NewDNSVersion builds the DataplaneDNSVersion feed: addresses answering DNS
// version queries, with the announcing ASN and its name.
func NewDNSVersion(fetcher feeds.Fetcher, obs feeds.ObservableStore, rel feeds.RelationshipStore, opts ...feeds.Option) *feeds.Task[Row] {
	def := feeds.Definition{
		Name:        DNSVersionName,
		Description: "Feed DNS Version IPs with ASN",
		Source:      DNSVersionURL,
		Frequency:   DefaultFrequency,
		Tags:        []string{"dataplane", "dnsversion"},
	}
	return newFeed(def, true, fetcher, obs, rel, opts)
}

// NewTelnetLogin builds the DataplaneTelnetLogin feed: addresses seen
// attempting telnet logins.
func NewTelnetLogin(fetcher feeds.Fetcher, obs feeds.ObservableStore, rel feeds.RelationshipStore, opts ...feeds.Option) *feeds.Task[Row] {
	def := feeds.Definition{
		Name:        TelnetLoginName,
		Description: "Feed of telnet login attempt of dataplane IPs and ASNs",
		Source:      TelnetLoginURL,
		Frequency:   DefaultFrequency,
		Tags:        []string{"dataplane", "bruteforce", "telnet", "scanning"},
	}
	return newFeed(def, false, fetcher, obs, rel, opts)
}

func newFeed(def feeds.Definition, asnDetails bool, fetcher feeds.Fetcher, obs feeds.ObservableStore, rel feeds.RelationshipStore, opts []feeds.Option) *feeds.Task[Row] {
	a := &analyzer{feed: def.Name, tags: def.Tags, asnDetails: asnDetails, obs: obs, rel: rel}
	decode := func(raw []byte) ([]Row, error) { return Decode(raw, true) }
	return feeds.NewTask[Row](def, fetcher, decode, a, opts...)
}
