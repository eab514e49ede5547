package model

import "testing"

func TestNormalizeSite(t *testing.T) {
	cases := map[string]string{
		"www.fanfiction.net":               "fanfiction",
		"m.fanfiction.net":                 "fanfiction",
		"forums.sufficientvelocity.com":    "sufficientvelocity",
		"archiveofourown.org":              "archiveofourown",
		"ARCHIVEOFOUROWN.ORG":              "archiveofourown",
		"forums.spacebattles.com":          "spacebattles",
		"royalroad.com":                    "royalroad",
		"no-dots-here":                     "no-dots-here",
		"www.m.forums.fanfiction.net":      "m",
		"  www.fanfiction.net  ":           "fanfiction",
	}
	for input, want := range cases {
		if got := NormalizeSite(input); got != want {
			t.Errorf("NormalizeSite(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNormalizeSiteIdempotent(t *testing.T) {
	inputs := []string{"www.fanfiction.net", "forums.sb.com", "royalroad.com", "plain"}
	for _, in := range inputs {
		once := NormalizeSite(in)
		twice := NormalizeSite(once)
		if once != twice {
			t.Errorf("normalization not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestIdentityEquality(t *testing.T) {
	a := Story{URL: "https://x/1", Site: "x", LibraryID: "42"}
	b := Story{URL: "https://x/1", Site: "x", LibraryID: "42", Attempts: 3}
	if a.Identity() != b.Identity() {
		t.Errorf("expected identical identities regardless of Attempts")
	}
	c := Story{URL: "https://x/1", Site: "x", LibraryID: "43"}
	if a.Identity() == c.Identity() {
		t.Errorf("expected distinct identities for different LibraryID")
	}
}
