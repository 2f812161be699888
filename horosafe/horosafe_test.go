package horosafe

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	cases := []struct {
		url  string
		want error
	}{
		{"http://127.0.0.1/payments.csv", ErrSSRF},
		{"http://10.1.2.3/x", ErrSSRF},
		{"http://192.168.0.10/x", ErrSSRF},
		{"http://[::1]/x", ErrSSRF},
		{"http://169.254.169.254/latest/meta-data", ErrSSRF},
		{"ftp://example.org/x.csv", ErrUnsafeScheme},
		{"file:///etc/passwd", ErrUnsafeScheme},
		{"https://8.8.8.8/spend.csv", nil},
	}
	for _, tc := range cases {
		err := ValidateURL(tc.url)
		if tc.want == nil {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.url, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.url, err, tc.want)
		}
	}
}

func TestCheckShape_NoHost(t *testing.T) {
	if _, err := CheckShape("https:///payments.csv"); err == nil {
		t.Fatal("expected error for URL without host")
	}
	u, err := CheckShape("  https://www.blaby.gov.uk/open-data/payments.csv ")
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "www.blaby.gov.uk" {
		t.Fatalf("host = %q", u.Host)
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("at limit: %q, %v", data, err)
	}

	_, err = LimitedReadAll(bytes.NewReader(make([]byte, 11)), 10)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("over limit: got %v, want ErrTooLarge", err)
	}
}

func TestReadPrefix_Truncates(t *testing.T) {
	data, err := ReadPrefix(strings.NewReader("Date,Supplier,Amount\n1,2,3\n"), 8)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "Date,Sup" {
		t.Fatalf("prefix = %q", data)
	}
}
