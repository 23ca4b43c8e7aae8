// Package funds parses the daily report tables published for each fund.
package funds

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DailyQuote is one row of a fund's daily report.
type DailyQuote struct {
	Date         time.Time
	Quota        float64
	Inflow       float64
	Redemptions  float64
	NetEquity    float64
	Portfolio    float64
	Shareholders int
}

// columns read from each row; the portal appends one more (next report date)
// that is ignored.
const columns = 7

var ErrMalformedTable = errors.New("malformed daily table")

// ParseDailyTable reads the inner HTML of the daily report table for month
// ("MM/YYYY"). The header row is skipped, as are rows without a quota.
// Rows are returned in table order.
func ParseDailyTable(src, month string) ([]DailyQuote, error) {
	start, err := time.Parse("01/2006", strings.TrimSpace(month))
	if err != nil {
		return nil, fmt.Errorf("invalid month %q: %w", month, err)
	}

	// The source is usually the table's inner HTML, so rows are parsed in a
	// table context.
	ctx := &html.Node{Type: html.ElementNode, Data: "table", DataAtom: atom.Table}
	nodes, err := html.ParseFragment(strings.NewReader(src), ctx)
	if err != nil {
		return nil, fmt.Errorf("parse table: %w", err)
	}

	var rows [][]string
	for _, n := range nodes {
		collectRows(n, &rows)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var quotes []DailyQuote
	for i, cells := range rows[1:] {
		// Pager and spacer rows are shorter than data rows.
		if len(cells) < columns || cells[1] == "" {
			continue
		}
		q, err := parseRow(start, cells)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformedTable, i+1, err)
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

func parseRow(month time.Time, cells []string) (DailyQuote, error) {
	day, err := strconv.Atoi(cells[0])
	if err != nil || day < 1 || day > 31 {
		return DailyQuote{}, fmt.Errorf("day %q", cells[0])
	}
	date := month.AddDate(0, 0, day-1)
	if date.Month() != month.Month() {
		return DailyQuote{}, fmt.Errorf("day %d outside %s", day, month.Format("01/2006"))
	}

	var nums [5]float64
	for i := range nums {
		if nums[i], err = ParseNumber(cells[i+1]); err != nil {
			return DailyQuote{}, err
		}
	}
	holders, err := ParseNumber(cells[6])
	if err != nil {
		return DailyQuote{}, err
	}
	return DailyQuote{
		Date:         date,
		Quota:        nums[0],
		Inflow:       nums[1],
		Redemptions:  nums[2],
		NetEquity:    nums[3],
		Portfolio:    nums[4],
		Shareholders: int(holders),
	}, nil
}

func collectRows(n *html.Node, rows *[][]string) {
	if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
		var cells []string
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
				cells = append(cells, cellText(c))
			}
		}
		*rows = append(*rows, cells)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectRows(c, rows)
	}
}

// cellText returns the trimmed text of a cell with non-breaking spaces
// removed.
func cellText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(strings.ReplaceAll(sb.String(), "\u00a0", ""))
}

// ParseNumber converts a Brazilian formatted number ("1.234.567,89") to a
// float. An empty cell reads as zero.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	s = strings.ReplaceAll(s, ".", "")
	s = strings.Replace(s, ",", ".", 1)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("number %q: %w", s, err)
	}
	return v, nil
}

// CNPJDigits strips the punctuation from a fund registration number.
func CNPJDigits(cnpj string) string {
	var sb strings.Builder
	for _, r := range cnpj {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// After returns the quotes dated strictly after t, keeping their order.
func After(quotes []DailyQuote, t time.Time) []DailyQuote {
	var out []DailyQuote
	for _, q := range quotes {
		if q.Date.After(t) {
			out = append(out, q)
		}
	}
	return out
}
