package normalize

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/hazyhaar/spendwatch/spending/internal/vocab"
)

// HeaderScanRows is how many leading rows are searched for the header row.
const HeaderScanRows = 10

// ErrUnsupportedFormat is returned for payloads no reader can parse.
var ErrUnsupportedFormat = errors.New("normalize: unsupported format")

// ErrNoHeader is returned when no header row is found in the leading rows.
var ErrNoHeader = errors.New("normalize: no header row found")

// Table is a parsed tabular payload. Line numbers are 1-based positions in
// the source (row index for spreadsheets, record index for JSON).
type Table struct {
	Format    string
	Headers   []string
	Rows      [][]string
	HeaderRow int
}

// LineOf returns the source line number of data row i.
func (t *Table) LineOf(i int) int { return t.HeaderRow + 1 + i }

var (
	magicZIP  = []byte("PK\x03\x04")
	magicOLE2 = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// Sniff returns the payload's actual format, falling back to declared.
// Servers routinely label xlsx as csv and vice versa, so bytes win.
func Sniff(declared string, data []byte) string {
	switch {
	case bytes.HasPrefix(data, magicZIP):
		return "xlsx"
	case bytes.HasPrefix(data, magicOLE2):
		return "xls"
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, utf8BOM), " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return "json"
	}
	if declared == "" || declared == "xlsx" || declared == "xls" {
		return "csv"
	}
	return declared
}

// ReadTable parses data into a Table, locating the header row.
func ReadTable(declared string, data []byte) (*Table, error) {
	format := Sniff(declared, data)
	var (
		rows [][]string
		err  error
	)
	switch format {
	case "csv":
		rows, err = readCSV(data)
	case "xlsx":
		rows, err = readXLSX(data)
	case "json":
		return readJSON(data)
	case "xls":
		rows, err = readXLS(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	h := findHeader(rows)
	if h < 0 {
		return nil, ErrNoHeader
	}
	return &Table{Format: format, Headers: trimAll(rows[h]), Rows: rows[h+1:], HeaderRow: h + 1}, nil
}

// ReadHeader returns the header row of a possibly truncated payload. Used by
// discovery probes, which only fetch the first bytes of a file.
func ReadHeader(declared string, prefix []byte) ([]string, error) {
	format := Sniff(declared, prefix)
	if format != "csv" {
		// Spreadsheets and JSON only parse when the whole file fit in the prefix.
		t, err := ReadTable(declared, prefix)
		if err != nil {
			return nil, err
		}
		return t.Headers, nil
	}
	if i := bytes.LastIndexByte(prefix, '\n'); i > 0 {
		prefix = prefix[:i]
	}
	rows, err := readCSV(prefix)
	if err != nil {
		return nil, err
	}
	h := findHeader(rows)
	if h < 0 {
		return nil, ErrNoHeader
	}
	return trimAll(rows[h]), nil
}

func findHeader(rows [][]string) int {
	for i := 0; i < len(rows) && i < HeaderScanRows; i++ {
		if vocab.CountMatches(rows[i]) >= 2 {
			return i
		}
	}
	return -1
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func readCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("normalize: decode cp1252: %w", err)
		}
		data = decoded
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("normalize: csv: %w", err)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// sniffDelimiter picks the candidate that appears most consistently across
// the first non-empty lines.
func sniffDelimiter(data []byte) rune {
	lines := strings.SplitN(string(data), "\n", HeaderScanRows+1)
	best, bestScore := ',', 0
	for _, d := range []rune{',', ';', '\t', '|'} {
		score := 0
		for _, l := range lines {
			if strings.TrimSpace(l) == "" {
				continue
			}
			score += min(strings.Count(l, string(d)), 50)
		}
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("normalize: xlsx: %w", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("normalize: xlsx: workbook has no sheets")
	}
	// Raw values keep dates as serials instead of locale-formatted strings.
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("normalize: xlsx: %w", err)
	}
	return rows, nil
}

// readXLS reads the first worksheet of a legacy BIFF workbook. Cells come
// back as the reader formats them; dates with a date format arrive as text.
func readXLS(data []byte) (rows [][]string, err error) {
	// The BIFF reader indexes record tables without bounds checks.
	defer func() {
		if r := recover(); r != nil {
			rows, err = nil, fmt.Errorf("normalize: xls: malformed workbook: %v", r)
		}
	}()
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("normalize: xls: %w", err)
	}
	if wb == nil {
		return nil, fmt.Errorf("%w: no Workbook stream in OLE2 container", ErrUnsupportedFormat)
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, fmt.Errorf("normalize: xls: workbook has no sheets")
	}
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		var cells []string
		for c := 0; c <= row.LastCol(); c++ {
			cells = append(cells, strings.TrimSpace(row.Col(c)))
		}
		for len(cells) > 0 && cells[len(cells)-1] == "" {
			cells = cells[:len(cells)-1]
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

var jsonContainers = []string{"records", "data", "result", "results", "items"}

func readJSON(data []byte) (*Table, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("normalize: json: %w", err)
	}
	records, ok := findRecords(doc, 2)
	if !ok {
		return nil, fmt.Errorf("%w: json without a record array", ErrUnsupportedFormat)
	}

	seen := make(map[string]bool)
	var headers []string
	objs := make([]map[string]any, 0, len(records))
	for _, r := range records {
		obj, ok := r.(map[string]any)
		if !ok {
			continue
		}
		objs = append(objs, obj)
		for k := range obj {
			if !seen[k] {
				seen[k] = true
				headers = append(headers, k)
			}
		}
	}
	slices.Sort(headers)
	if vocab.CountMatches(headers) < 2 {
		return nil, ErrNoHeader
	}

	t := &Table{Format: "json", Headers: headers, HeaderRow: 0}
	for _, obj := range objs {
		row := make([]string, len(headers))
		for i, h := range headers {
			row[i] = jsonScalar(obj[h])
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func findRecords(doc any, depth int) ([]any, bool) {
	switch v := doc.(type) {
	case []any:
		return v, true
	case map[string]any:
		if depth == 0 {
			return nil, false
		}
		for _, k := range jsonContainers {
			if inner, ok := v[k]; ok {
				if recs, ok := findRecords(inner, depth-1); ok {
					return recs, true
				}
			}
		}
	}
	return nil, false
}

func jsonScalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func trimAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
