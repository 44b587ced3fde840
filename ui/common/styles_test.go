package common

import (
	"bytes"
	"strings"
	"testing"

	"github.com/deemkeen/fedhub/domain"
)

func TestPlainOutputHasNoEscapes(t *testing.T) {
	UseOutput(&bytes.Buffer{})

	if got := Status(domain.StatusPosted); got != "posted" {
		t.Errorf("Expected plain status, got %q", got)
	}
	if got := Status(domain.StatusQueued); got != "queued" {
		t.Errorf("Expected plain status, got %q", got)
	}
}

func TestTableRendersHeadersAndRows(t *testing.T) {
	UseOutput(&bytes.Buffer{})

	out := Table([]string{"command", "queued"}, [][]string{{"deliver", "3"}, {"notifier", "1"}})
	for _, want := range []string{"command", "queued", "deliver", "notifier", "3"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected table to contain %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "\n") < 4 {
		t.Errorf("Expected one line per row plus borders:\n%s", out)
	}
}
