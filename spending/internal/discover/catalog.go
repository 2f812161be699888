package discover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/spendwatch/spending/internal/fetch"
)

// Entry is one file a catalog lists.
type Entry struct {
	Catalog   string
	Publisher string
	Region    string
	Title     string
	URL       string
	Format    string // declared by the catalog, may be empty
	MIME      string
}

// Catalog lists candidate disclosure files from one publisher feed.
type Catalog interface {
	Name() string
	Entries(ctx context.Context) ([]Entry, error)
}

// Client is the subset of the fetcher catalogs and probes use.
type Client interface {
	Fetch(ctx context.Context, rawURL, prevHash string) (*fetch.Result, error)
	Probe(ctx context.Context, rawURL string, n int64) ([]byte, string, error)
}

// StaticCatalog returns a fixed list, typically from the seed catalog.
type StaticCatalog struct {
	Label string
	List  []Entry
}

func (c *StaticCatalog) Name() string { return c.Label }

func (c *StaticCatalog) Entries(context.Context) ([]Entry, error) {
	out := make([]Entry, len(c.List))
	for i, e := range c.List {
		e.Catalog = c.Label
		out[i] = e
	}
	return out, nil
}

// DefaultCKANQuery matches the dataset titles councils publish spend under.
var DefaultCKANQuery = strings.Join([]string{
	`"Council Spending"`,
	`"Local Authority Spend"`,
	`"Payments to suppliers"`,
	`"Spend over"`,
	`"Spend over £500"`,
}, " OR ")

// CKANCatalog pages through a CKAN package_search endpoint (data.gov.uk).
type CKANCatalog struct {
	Client   Client
	BaseURL  string // default https://data.gov.uk/api/3/action/package_search
	Query    string
	Rows     int // per page, default 1000
	MaxPages int // default 10
}

func (c *CKANCatalog) Name() string { return "ckan" }

type ckanResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Count   int           `json:"count"`
		Results []ckanPackage `json:"results"`
	} `json:"result"`
}

type ckanPackage struct {
	Title        string `json:"title"`
	Organization struct {
		Name  string `json:"name"`
		Title string `json:"title"`
	} `json:"organization"`
	Resources []struct {
		Name        string `json:"name"`
		URL         string `json:"url"`
		DownloadURL string `json:"download_url"`
		Format      string `json:"format"`
		MIMEType    string `json:"mimetype"`
	} `json:"resources"`
}

func (c *CKANCatalog) Entries(ctx context.Context) ([]Entry, error) {
	base := c.BaseURL
	if base == "" {
		base = "https://data.gov.uk/api/3/action/package_search"
	}
	q := c.Query
	if q == "" {
		q = DefaultCKANQuery
	}
	rows := c.Rows
	if rows <= 0 {
		rows = 1000
	}
	maxPages := c.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}

	var out []Entry
	for page := range maxPages {
		start := page * rows
		v := url.Values{"q": {q}, "rows": {fmt.Sprint(rows)}, "start": {fmt.Sprint(start)}}
		res, err := c.Client.Fetch(ctx, base+"?"+v.Encode(), "")
		if err != nil {
			return out, fmt.Errorf("ckan page %d: %w", page+1, err)
		}
		var resp ckanResponse
		if err := json.Unmarshal(res.Body, &resp); err != nil {
			return out, fmt.Errorf("ckan page %d: decode: %w", page+1, err)
		}
		if len(resp.Result.Results) == 0 {
			break
		}
		for _, pkg := range resp.Result.Results {
			publisher := pkg.Organization.Title
			if publisher == "" {
				publisher = pkg.Organization.Name
			}
			if publisher == "" {
				continue
			}
			for _, r := range pkg.Resources {
				u := r.DownloadURL
				if u == "" {
					u = r.URL
				}
				if u == "" {
					continue
				}
				title := r.Name
				if title == "" {
					title = pkg.Title
				}
				out = append(out, Entry{
					Catalog:   c.Name(),
					Publisher: publisher,
					Title:     pkg.Title + " " + title,
					URL:       u,
					Format:    r.Format,
					MIME:      r.MIMEType,
				})
			}
		}
		if start+rows >= resp.Result.Count {
			break
		}
	}
	return out, nil
}

// DirectoryCatalog scrapes one council's transparency page for links to
// data files.
type DirectoryCatalog struct {
	Client    Client
	Publisher string
	Region    string
	PageURL   string
}

func (c *DirectoryCatalog) Name() string { return "directory" }

func (c *DirectoryCatalog) Entries(ctx context.Context) ([]Entry, error) {
	res, err := c.Client.Fetch(ctx, c.PageURL, "")
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(c.PageURL)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(res.Body))
	if err != nil {
		return nil, fmt.Errorf("directory %s: parse: %w", c.PageURL, err)
	}

	seen := make(map[string]bool)
	var out []Entry
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			if href := attr(n, "href"); href != "" {
				if u, err := base.Parse(href); err == nil && dataExtension(u.Path) != "" && !seen[u.String()] {
					seen[u.String()] = true
					out = append(out, Entry{
						Catalog:   c.Name(),
						Publisher: c.Publisher,
						Region:    c.Region,
						Title:     strings.Join(strings.Fields(text(n)), " "),
						URL:       u.String(),
					})
				}
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(doc)
	return out, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		b.WriteString(text(ch))
		b.WriteByte(' ')
	}
	return b.String()
}

func dataExtension(p string) string {
	switch ext := strings.ToLower(path.Ext(p)); ext {
	case ".csv", ".xlsx", ".xls", ".json":
		return ext[1:]
	}
	return ""
}
