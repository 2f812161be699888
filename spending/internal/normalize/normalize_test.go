package normalize

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/spendwatch/spending/internal/failure"
	"github.com/hazyhaar/spendwatch/spending/internal/vocab"
)

var testNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func run(t *testing.T, format, data string, ceiling float64) (*Result, error) {
	t.Helper()
	return Normalize(Input{
		CouncilID:     "cnl_test",
		SourceID:      "src_test",
		Format:        format,
		Data:          []byte(data),
		MaxRejectRate: ceiling,
		Now:           testNow,
	})
}

func TestNormalize_DedupWhitespaceAndCase(t *testing.T) {
	// WHAT: rows differing only in description spacing or case hash the same.
	// WHY: councils re-export the same payment with cosmetic edits.
	csv := "Date,Supplier,Amount,Description\n" +
		"01/04/2024,Acme Ltd,12.50,Office  Supplies\n" +
		"01/04/2024,ACME LTD,12.50,office supplies\n"
	res, err := run(t, "csv", csv, 0.2)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Payments) != 1 || res.Duplicates != 1 {
		t.Fatalf("payments=%d duplicates=%d, want 1/1", len(res.Payments), res.Duplicates)
	}
	p := res.Payments[0]
	if p.AmountPence != 1250 || p.Date != "2024-04-01" || p.SupplierKey != "acme" {
		t.Errorf("payment = %+v", p)
	}
}

func TestNormalize_RejectCeilingIsSchemaDrift(t *testing.T) {
	// WHAT: 3 of 10 rows unparseable with a 20% ceiling fails the batch.
	// WHY: a silently shifted column must not half-load a council.
	var b strings.Builder
	b.WriteString("Date,Supplier,Amount\n")
	for i := range 7 {
		fmt.Fprintf(&b, "0%d/05/2024,Supplier %d,100.00\n", i+1, i)
	}
	for i := range 3 {
		fmt.Fprintf(&b, "not a date,Supplier %d,abc\n", i)
	}
	res, err := run(t, "csv", b.String(), 0.2)
	if !errors.Is(err, failure.ErrSchemaDrift) {
		t.Fatalf("err = %v, want SchemaDrift", err)
	}
	if res == nil || len(res.Rejected) != 3 || res.Rows != 10 {
		t.Fatalf("result = %+v", res)
	}
	if res.Rejected[0].RowNumber != 9 {
		t.Errorf("first rejected row = %d, want 9", res.Rejected[0].RowNumber)
	}
	if !strings.Contains(res.Rejected[0].RawJSON, `"Amount":"abc"`) {
		t.Errorf("raw json = %s", res.Rejected[0].RawJSON)
	}

	if _, err := run(t, "csv", b.String(), 0.5); err != nil {
		t.Errorf("ceiling 0.5: %v", err)
	}
}

func TestNormalize_NegativeAmounts(t *testing.T) {
	// WHAT: negatives are credits only when the row says refund or credit.
	// WHY: a bare negative is usually a sign-convention error.
	csv := "Date,Supplier,Amount,Description\n" +
		"02/04/2024,Acme,-50.00,Refund of overpayment\n" +
		"03/04/2024,Acme,(75.00),Consultancy\n"
	res, err := run(t, "csv", csv, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Payments) != 1 || !res.Payments[0].IsCredit || res.Payments[0].AmountPence != -5000 {
		t.Fatalf("payments = %+v", res.Payments)
	}
	if len(res.Rejected) != 1 || !strings.Contains(res.Rejected[0].Reason, "negative") {
		t.Fatalf("rejected = %+v", res.Rejected)
	}
}

func TestNormalize_OversizedAmountRejected(t *testing.T) {
	// WHAT: an amount past int64 pence is a rejected row, not a wrapped payment.
	// WHY: a wrapped value would corrupt supplier totals and concentration shares.
	csv := "Date,Supplier,Amount,Description\n" +
		"02/04/2024,Acme,200000000000000000,Consultancy\n" +
		"03/04/2024,Acme,1e20,Consultancy\n" +
		"04/04/2024,Acme,75.00,Consultancy\n"
	res, err := run(t, "csv", csv, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Payments) != 1 || res.Payments[0].AmountPence != 7500 {
		t.Fatalf("payments = %+v", res.Payments)
	}
	if len(res.Rejected) != 2 || !strings.Contains(res.Rejected[0].Reason, "out of range") {
		t.Fatalf("rejected = %+v", res.Rejected)
	}
}

func TestNormalize_MissingRequiredColumn(t *testing.T) {
	// WHAT: a header without a supplier column is schema drift.
	csv := "Date,Description,Amount\n01/04/2024,Stationery,10.00\n"
	_, err := run(t, "csv", csv, 0.2)
	if !errors.Is(err, failure.ErrSchemaDrift) {
		t.Fatalf("err = %v", err)
	}
}

func TestNormalize_LegacyXLS(t *testing.T) {
	// WHAT: a BIFF8 workbook served as "csv" is sniffed and read like any
	// other table, preamble row included.
	// WHY: many councils still publish Excel 97 files.
	data, err := os.ReadFile("testdata/payments.xls")
	if err != nil {
		t.Fatal(err)
	}
	res, err := Normalize(Input{CouncilID: "c", SourceID: "s", Format: "csv", Data: data, Now: testNow})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 3 || len(res.Payments) != 3 || len(res.Rejected) != 0 {
		t.Fatalf("rows=%d payments=%+v rejected=%+v", res.Rows, res.Payments, res.Rejected)
	}
	p := res.Payments[0]
	if p.Date != "2024-03-01" || p.AmountPence != 499900 || p.SupplierKey != "acme" {
		t.Errorf("payment = %+v", p)
	}
	if refund := res.Payments[2]; !refund.IsCredit || refund.AmountPence != -4510 {
		t.Errorf("refund = %+v", refund)
	}
}

func TestNormalize_BrokenXLS(t *testing.T) {
	// WHAT: a truncated OLE2 container is schema drift, not a panic.
	data := string([]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1, 0, 0})
	_, err := run(t, "xls", data, 0.2)
	if !errors.Is(err, failure.ErrSchemaDrift) {
		t.Fatalf("err = %v", err)
	}
}

func TestNormalize_Hints(t *testing.T) {
	// WHAT: matching hints are used as given; stale hints fall back to the
	// vocabulary and report a derived mapping.
	// WHY: a source that renames a column must still load.
	csv := "Date,Paid To,Net £,Supplier\n01/04/2024,Acme,10.00,Wrong Column\n"
	res, err := Normalize(Input{
		CouncilID: "c", SourceID: "s", Format: "csv", Data: []byte(csv), Now: testNow,
		HintsJSON: `{"date":"Payment Date","supplier":"Paid To","amount":"Net £"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Mapping.HintsStale || res.DerivedHints == nil {
		t.Fatalf("mapping = %+v derived = %v", res.Mapping, res.DerivedHints)
	}
	if res.DerivedHints["supplier"] != "Supplier" {
		t.Errorf("derived hints = %v", res.DerivedHints)
	}

	csv = "Date,Paid To,Net £,Supplier\n01/04/2024,Acme,10.00,Wrong Column\n"
	res, err = Normalize(Input{
		CouncilID: "c", SourceID: "s", Format: "csv", Data: []byte(csv), Now: testNow,
		HintsJSON: `{"date":"Date","supplier":"Paid To","amount":"Net £"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Mapping.FromHints || res.DerivedHints != nil {
		t.Fatalf("mapping = %+v derived = %v", res.Mapping, res.DerivedHints)
	}
	if res.Payments[0].SupplierKey != "acme" || res.Payments[0].AmountPence != 1000 {
		t.Errorf("payment = %+v", res.Payments[0])
	}
}

func TestNormalize_InvalidHints(t *testing.T) {
	_, err := Normalize(Input{Format: "csv", Data: []byte("Date,Supplier,Amount\n"), HintsJSON: `{"colour":"x"}`})
	if !errors.Is(err, failure.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestNormalize_DerivedHintsRoundTrip(t *testing.T) {
	// WHAT: heuristically derived hints reproduce the same mapping.
	csv := "Transaction Date,Supplier Name,Amount (£),Expense Type\n01/04/2024,Acme,10.00,Rent\n"
	res, err := run(t, "csv", csv, 0.2)
	if err != nil {
		t.Fatal(err)
	}
	again, err := Normalize(Input{
		CouncilID: "cnl_test", SourceID: "src_test", Format: "csv", Data: []byte(csv), Now: testNow,
		HintsJSON: res.DerivedHints.JSON(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Mapping.FromHints || again.Payments[0].RecordHash != res.Payments[0].RecordHash {
		t.Fatalf("second pass mapping = %+v", again.Mapping)
	}
}

func TestReadTable_CSVPreambleDelimiterCP1252(t *testing.T) {
	// WHAT: title rows are skipped, ';' is detected, cp1252 '£' decodes.
	raw := "Payments over \xa3500\r\nApril 2024\r\n" +
		"Date;Supplier;Amount;Description\r\n" +
		"05/04/2024;Caf\xe9 Nero;\xa31,234.50;Catering\r\n"
	tab, err := ReadTable("csv", []byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if tab.HeaderRow != 3 || len(tab.Rows) != 1 || tab.LineOf(0) != 4 {
		t.Fatalf("header row %d, rows %d", tab.HeaderRow, len(tab.Rows))
	}
	if tab.Rows[0][1] != "Café Nero" || tab.Rows[0][2] != "£1,234.50" {
		t.Errorf("row = %q", tab.Rows[0])
	}
}

func TestReadTable_JSONContainers(t *testing.T) {
	data := `{"result":{"records":[{"Date":"2024-04-05","Supplier":"Acme","Amount":1234.5},{"Date":"2024-04-06","Supplier":"Beta","Amount":"99"}]}}`
	tab, err := ReadTable("json", []byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(tab.Rows) != 2 || strings.Join(tab.Headers, ",") != "Amount,Date,Supplier" {
		t.Fatalf("table = %+v", tab)
	}
	if tab.Rows[0][0] != "1234.5" {
		t.Errorf("amount cell = %q", tab.Rows[0][0])
	}
}

func TestReadTable_XLSX(t *testing.T) {
	// WHAT: a workbook served as "csv" is sniffed as xlsx and read raw.
	// WHY: Excel date cells must arrive as serials, not locale strings.
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"Payments to suppliers"},
		{"Date", "Supplier", "Amount"},
		{45383, "Acme Ltd", 1234.5},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			t.Fatal(err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}

	res, err := Normalize(Input{CouncilID: "c", SourceID: "s", Format: "csv", Data: buf.Bytes(), Now: testNow})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Payments) != 1 {
		t.Fatalf("payments = %+v rejected = %+v", res.Payments, res.Rejected)
	}
	p := res.Payments[0]
	if p.Date != "2024-04-01" || p.AmountPence != 123450 {
		t.Errorf("payment = %+v", p)
	}
}

func TestReadHeader_TruncatedPrefix(t *testing.T) {
	prefix := []byte("Date,Supplier,Amount\n01/04/2024,Acme,10.00\n01/04/2024,Acm")
	h, err := ReadHeader("csv", prefix)
	if err != nil {
		t.Fatal(err)
	}
	if !vocab.HasField(h, vocab.Amount) {
		t.Errorf("headers = %v", h)
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in    string
		pence int64
		ok    bool
	}{
		{"12.50", 1250, true},
		{"£1,234.56", 123456, true},
		{"GBP 1 000", 100000, true},
		{"(12.50)", -1250, true},
		{"12.50-", -1250, true},
		{"12.50CR", -1250, true},
		{"12.50 DR", 1250, true},
		{"10.005", 1001, true},
		{"", 0, false},
		{"n/a", 0, false},
		{"£", 0, false},
		{"1000000000000", 100000000000000, true},
		{"(1000000000000)", -100000000000000, true},
		{"1000000000000.01", 0, false},
		{"1e20", 0, false},
		{"200000000000000000", 0, false},
		{"-92233720368547758.08", 0, false},
	}
	for _, c := range cases {
		d, err := ParseAmount(c.in)
		if (err == nil) != c.ok {
			t.Errorf("ParseAmount(%q) err = %v", c.in, err)
			continue
		}
		if c.ok && ToPence(d) != c.pence {
			t.Errorf("ParseAmount(%q) = %d pence, want %d", c.in, ToPence(d), c.pence)
		}
	}
}

func TestParseDate(t *testing.T) {
	cases := map[string]string{
		"2024-04-05":          "2024-04-05",
		"05/04/2024":          "2024-04-05",
		"5/4/2024":            "2024-04-05",
		"2024/04/05":          "2024-04-05",
		"05-04-2024":          "2024-04-05",
		"5 Apr 2024":          "2024-04-05",
		"05-Apr-24":           "2024-04-05",
		"2024-04-05T10:00:00": "2024-04-05",
		"2024-04":             "2024-04-01",
		"45383":               "2024-04-01",
		"45383.5":             "2024-04-01",
	}
	for in, want := range cases {
		got, err := ParseDate(in, testNow)
		if err != nil || got != want {
			t.Errorf("ParseDate(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "yesterday", "01/01/1985", "01/01/2030", "2024", "31/02/2024"} {
		if got, err := ParseDate(bad, testNow); err == nil {
			t.Errorf("ParseDate(%q) = %q, want error", bad, got)
		}
	}
}

func TestSupplierKey(t *testing.T) {
	cases := map[string]string{
		"The Acme Co. Ltd":       "acme",
		"ACME":                   "acme",
		"Café Déjà Vu Limited":   "cafe deja vu",
		"Smith & Sons PLC":       "smith and sons",
		"O'Brien's Builders LLP": "obriens builders",
		"Ltd":                    "ltd",
		"  Multi   Space  ":      "multi space",
	}
	for in, want := range cases {
		if got := SupplierKey(in); got != want {
			t.Errorf("SupplierKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	// WHAT: edit distance is counted in runes, not bytes.
	// WHY: accented supplier names would otherwise score as less similar.
	cases := []struct {
		a, b string
		want float64
	}{
		{"", "", 1},
		{"acme", "acme", 1},
		{"acme", "acne", 0.75},
		{"café", "cafe", 0.75},
		{"abc", "", 0},
	}
	for _, c := range cases {
		if got := Similarity(c.a, c.b); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("Similarity(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestMatcher(t *testing.T) {
	m := Matcher(0.92)
	if best, ok := m("acme building services", []string{"acme buildings services", "acme catering"}); !ok || best != "acme buildings services" {
		t.Errorf("near match = %q, %v", best, ok)
	}
	if _, ok := m("acme catering", []string{"acme cleaning"}); ok {
		t.Error("dissimilar keys merged")
	}
	if _, ok := m("acme servicesx", []string{"acme servicesa", "acme servicesb"}); ok {
		t.Error("tied best match merged")
	}
	if _, ok := Matcher(1)("acme", []string{"acme"}); ok {
		t.Error("threshold 1 should disable fuzzy matching")
	}
}
