package referral

import (
	"net/url"
	"strings"
	"testing"
	"testing/quick"
)

func TestGenerateCodeDeterministic(t *testing.T) {
	first := GenerateCode(42)
	second := GenerateCode(42)
	if first != second {
		t.Errorf("code for the same user differs: %s vs %s", first, second)
	}
	if GenerateCode(42) == GenerateCode(43) {
		t.Error("codes for different users collided on adjacent ids")
	}
}

func TestGenerateCodeShape(t *testing.T) {
	f := func(userID int64) bool {
		code := GenerateCode(userID)
		if !strings.HasPrefix(code, "R") {
			return false
		}
		return len(code) >= 2 && len(code) <= 9
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestGenerateLink(t *testing.T) {
	link, err := GenerateLink(77, "https://shop.example.com/catalog", nil)
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(link)
	if err != nil {
		t.Fatal(err)
	}
	if got := u.Query().Get("utm_ref"); got != "77" {
		t.Errorf("utm_ref = %q, want 77", got)
	}
	if u.Host != "shop.example.com" {
		t.Errorf("host = %q, want shop.example.com", u.Host)
	}
}

func TestGenerateLinkKeepsExistingQuery(t *testing.T) {
	link, err := GenerateLink(5, "https://shop.example.com/?utm_source=tg", map[string]string{"utm_campaign": "bonus"})
	if err != nil {
		t.Fatal(err)
	}

	u, _ := url.Parse(link)
	q := u.Query()
	if q.Get("utm_source") != "tg" {
		t.Error("existing query param lost")
	}
	if q.Get("utm_campaign") != "bonus" {
		t.Error("extra query param not applied")
	}
	if q.Get("utm_ref") != "5" {
		t.Error("utm_ref missing")
	}
}

func TestGenerateLinkRejectsGarbage(t *testing.T) {
	if _, err := GenerateLink(1, "://not-a-url", nil); err == nil {
		t.Error("expected error for malformed base url")
	}
}
