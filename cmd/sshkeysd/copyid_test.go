package main

import "testing"

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	cases := map[string]string{
		"plain":        `'plain'`,
		"it's here":    `'it'\''s here'`,
		"":             `''`,
		"a'b'c":        `'a'\''b'\''c'`,
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}
