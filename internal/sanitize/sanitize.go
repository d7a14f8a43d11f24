// Package sanitize strips markup and script-bearing URI schemes from request
// input before it reaches the upstream.
//
// The transform keeps text exactly as written (entities stay encoded),
// drops every tag, comment and doctype, drops the content of raw-text
// elements such as script and style, and removes javascript:, vbscript: and
// data:text/html schemes. It is repeated until the output stops changing so
// applying it twice gives the same result as applying it once.
package sanitize

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultMaxPasses bounds the fixed-point loop.
const DefaultMaxPasses = 8

// ErrNoFixedPoint is returned when input keeps changing after the maximum
// number of passes. Only adversarially nested input gets here.
var ErrNoFixedPoint = errors.New("sanitize: input did not converge")

var dangerousScheme = regexp.MustCompile(`(?i)(?:java|vb)script[\s\x00]*:|data[\s\x00]*:[\s\x00]*text/html`)

// elements whose text content is dropped along with the tags
var dropContent = map[atom.Atom]bool{
	atom.Script:    true,
	atom.Style:     true,
	atom.Iframe:    true,
	atom.Noscript:  true,
	atom.Noembed:   true,
	atom.Noframes:  true,
	atom.Xmp:       true,
	atom.Plaintext: true,
	atom.Template:  true,
	atom.Object:    true,
}

// String sanitizes s to a fixed point using DefaultMaxPasses.
func String(s string) (string, error) {
	return fixedPoint(s, DefaultMaxPasses)
}

func fixedPoint(s string, maxPasses int) (string, error) {
	// most input has nothing to strip
	if !strings.ContainsAny(s, "<>:") {
		return s, nil
	}
	cur := s
	for range maxPasses {
		next := strip(cur)
		if next == cur {
			return cur, nil
		}
		cur = next
	}
	return "", ErrNoFixedPoint
}

// strip is one pass of the transform.
func strip(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	b.Grow(len(s))
	var dropping atom.Atom
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a tokenizer failure; either way anything unread is dropped
			return dangerousScheme.ReplaceAllString(b.String(), "")
		case html.TextToken:
			if dropping == 0 {
				b.Write(z.Raw())
			}
		case html.StartTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); dropContent[a] && dropping == 0 {
				dropping = a
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); a != 0 && a == dropping {
				dropping = 0
			}
		}
	}
}
