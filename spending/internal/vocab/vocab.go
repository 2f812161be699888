// Package vocab is the header vocabulary shared by discovery (is this file a
// payment disclosure?) and the normalizer (which column is the amount?).
package vocab

import (
	"strings"
	"unicode"
)

// Field is a canonical payment field.
type Field string

const (
	Date        Field = "date"
	Supplier    Field = "supplier"
	Amount      Field = "amount"
	Description Field = "description"
	Category    Field = "category"
	ProjectRef  Field = "project_ref"
	InvoiceRef  Field = "invoice_ref"
)

// Fields lists every canonical field in mapping priority order.
var Fields = []Field{Date, Supplier, Amount, Description, Category, ProjectRef, InvoiceRef}

// Required are the fields a batch cannot be mapped without.
var Required = []Field{Date, Supplier, Amount}

// synonyms are keyed by canonical field; values are normalized headers
// (lowercase letters and digits only).
var synonyms = map[Field][]string{
	Date: {
		"date", "paymentdate", "transactiondate", "dateofpayment", "datepaid",
		"paiddate", "postingdate", "effectivedate", "invoicedate", "paymentdt",
	},
	Supplier: {
		"supplier", "suppliername", "payee", "payeename", "vendor", "vendorname",
		"beneficiary", "merchant", "merchantname", "creditor", "creditorname",
		"recipient", "suppliertradingname",
	},
	Amount: {
		"amount", "amountpaid", "amountgbp", "paymentamount", "transactionamount",
		"netamount", "grossamount", "value", "net", "total", "amountexvat",
		"amountexclvat", "expenditure", "sum",
	},
	Description: {
		"description", "purpose", "purposeofspend", "expensetype", "expensedescription",
		"narrative", "details", "transactiondescription", "summaryofpurpose",
	},
	Category: {
		"category", "expensearea", "servicearea", "department", "directorate",
		"service", "servicelabel", "costcentre", "costcenter", "expenditurecategory",
		"serviceexpenditurecategory", "proclasslevel1",
	},
	ProjectRef: {
		"projectref", "project", "projectreference", "projectcode", "projectid",
	},
	InvoiceRef: {
		"invoiceref", "invoicenumber", "invoiceno", "invoice", "transactionnumber",
		"transactionno", "transactionid", "transactionref", "paymentref", "reference",
		"documentnumber",
	},
}

// stems catch decorated headers ("Amount (£) inc VAT", "Supplier ID Name") for
// required fields once exact synonyms are exhausted.
var stems = []struct {
	field Field
	stem  string
}{
	{Supplier, "supplier"},
	{Supplier, "payee"},
	{Amount, "amount"},
	{Date, "date"},
}

var index = func() map[string]Field {
	m := make(map[string]Field)
	for f, list := range synonyms {
		for _, s := range list {
			m[s] = f
		}
	}
	return m
}()

// NormalizeHeader folds a raw header to lowercase letters and digits.
func NormalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Lookup returns the canonical field a header is an exact synonym of.
func Lookup(header string) (Field, bool) {
	f, ok := index[NormalizeHeader(header)]
	return f, ok
}

// MapHeaders assigns each canonical field to at most one column index.
// Exact synonyms win; required fields still unassigned fall back to stem
// containment on columns nobody claimed. First matching column wins.
func MapHeaders(headers []string) map[Field]int {
	out := make(map[Field]int)
	used := make(map[int]bool)
	for i, h := range headers {
		f, ok := Lookup(h)
		if !ok {
			continue
		}
		if _, taken := out[f]; taken {
			continue
		}
		out[f] = i
		used[i] = true
	}
	for _, st := range stems {
		if _, taken := out[st.field]; taken {
			continue
		}
		for i, h := range headers {
			if used[i] {
				continue
			}
			if strings.Contains(NormalizeHeader(h), st.stem) {
				out[st.field] = i
				used[i] = true
				break
			}
		}
	}
	return out
}

// CountMatches reports how many distinct canonical fields a header row maps.
func CountMatches(headers []string) int {
	return len(MapHeaders(headers))
}

// HasField reports whether the header row maps f.
func HasField(headers []string, f Field) bool {
	_, ok := MapHeaders(headers)[f]
	return ok
}
