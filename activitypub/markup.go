package activitypub

import (
	"html"
	"regexp"
	"strings"

	nethtml "golang.org/x/net/html"
)

const (
	MimeBBCode = "text/bbcode"
	MimeHTML   = "text/html"
)

// Markup converts between the stored bbcode body and wire HTML.
type Markup interface {
	ToHTML(body string) string
	FromHTML(s string) string
}

// SimpleMarkup handles the tags federated content actually uses: links, emphasis,
// quotes, code, images and paragraphs.
type SimpleMarkup struct{}

var (
	bbURL     = regexp.MustCompile(`(?s)\[url=([^\]]+)\](.*?)\[/url\]`)
	bbBareURL = regexp.MustCompile(`(?s)\[url\](.*?)\[/url\]`)
	bbImg     = regexp.MustCompile(`(?s)\[img\](.*?)\[/img\]`)
	bbSimple  = strings.NewReplacer(
		"[b]", "<strong>", "[/b]", "</strong>",
		"[i]", "<em>", "[/i]", "</em>",
		"[u]", "<u>", "[/u]", "</u>",
		"[s]", "<del>", "[/s]", "</del>",
		"[quote]", "<blockquote>", "[/quote]", "</blockquote>",
		"[code]", "<pre><code>", "[/code]", "</code></pre>",
	)
)

func (SimpleMarkup) ToHTML(body string) string {
	s := html.EscapeString(body)
	s = bbURL.ReplaceAllString(s, `<a href="$1">$2</a>`)
	s = bbBareURL.ReplaceAllString(s, `<a href="$1">$1</a>`)
	s = bbImg.ReplaceAllString(s, `<img src="$1" alt="">`)
	s = bbSimple.Replace(s)
	paragraphs := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n\n")
	var b strings.Builder
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(p, "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

var htmlToBB = map[string][2]string{
	"strong":     {"[b]", "[/b]"},
	"b":          {"[b]", "[/b]"},
	"em":         {"[i]", "[/i]"},
	"i":          {"[i]", "[/i]"},
	"u":          {"[u]", "[/u]"},
	"del":        {"[s]", "[/s]"},
	"s":          {"[s]", "[/s]"},
	"blockquote": {"[quote]", "[/quote]"},
	"pre":        {"[code]", "[/code]"},
}

func (SimpleMarkup) FromHTML(s string) string {
	z := nethtml.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	var links []string
	for {
		tt := z.Next()
		switch tt {
		case nethtml.ErrorToken:
			return strings.TrimSpace(b.String())
		case nethtml.TextToken:
			b.WriteString(string(z.Text()))
		case nethtml.StartTagToken, nethtml.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "a":
				href := attr(tok, "href")
				links = append(links, href)
				if href != "" {
					b.WriteString("[url=" + href + "]")
				}
			case "img":
				b.WriteString("[img]" + attr(tok, "src") + "[/img]")
			case "br":
				b.WriteString("\n")
			case "p":
				if b.Len() > 0 {
					b.WriteString("\n\n")
				}
			default:
				if tags, ok := htmlToBB[tok.Data]; ok {
					b.WriteString(tags[0])
				}
			}
		case nethtml.EndTagToken:
			tok := z.Token()
			switch tok.Data {
			case "a":
				if n := len(links); n > 0 {
					if links[n-1] != "" {
						b.WriteString("[/url]")
					}
					links = links[:n-1]
				}
			default:
				if tags, ok := htmlToBB[tok.Data]; ok {
					b.WriteString(tags[1])
				}
			}
		}
	}
}

func attr(tok nethtml.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}
