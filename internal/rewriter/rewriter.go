// Package rewriter implements the HTML rewriting stage (C6): auto-linking
// of bare URLs, tracking-redirect rewrites, open-pixel injection, and a
// plain-text fallback, plus the click-decoder that is the documented left
// inverse of the redirect encoding (spec section 4.4).
//
// The teacher has no HTML rewriting stage of its own — internal/tracking
// signs opaque pipe-delimited base64 tokens instead of rewriting anchors in
// place (internal/tracking/handler.go). This package is new code, written
// in the teacher's plain-function, no-framework style: pure functions over
// strings, no template engine (spec's Non-goals cap templating at string
// substitution).
package rewriter

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// anchorTagRe finds existing <a ...>...</a> blocks so auto-link can skip
// them (stage 1 only rewrites outside existing anchors).
var anchorTagRe = regexp.MustCompile(`(?is)<a\b[^>]*>.*?</a>`)

// hrefAttrRe finds href="..." or href='...' attributes, preserving quote
// style, to drive stage 2 (redirect rewrite).
var hrefAttrRe = regexp.MustCompile(`(?i)href\s*=\s*("([^"]*)"|'([^']*)')`)

// bareURLRe matches http(s) URLs, protocol-relative //host, www.*, and
// bare host.tld[/path] tokens for stage 1 auto-linking. Ordered so the
// longest / most specific alternative wins first.
var bareURLRe = regexp.MustCompile(`(?i)(https?://[^\s<>"']+|//[a-z0-9][a-z0-9.-]*\.[a-z]{2,}[^\s<>"']*|www\.[a-z0-9][a-z0-9.-]*\.[a-z]{2,}[^\s<>"']*|\b[a-z0-9][a-z0-9-]*(?:\.[a-z0-9][a-z0-9-]*)+\.[a-z]{2,}(?:/[^\s<>"']*)?)`)

// bodyCloseRe locates </body> (case-insensitive) for pixel injection.
var bodyCloseRe = regexp.MustCompile(`(?i)</body>`)

// tagRe strips any HTML tag for the plain-text fallback.
var tagRe = regexp.MustCompile(`(?is)<[^>]+>`)

// Result is the output of Rewrite: the tracked HTML plus its plain-text
// fallback.
type Result struct {
	HTML string
	Text string
}

// Rewrite runs all four stages of spec section 4.4 in order: auto-link,
// redirect rewrite, open-pixel injection, plain-text fallback. publicBase
// is PUBLIC_BASE_URL (spec section 6 Environment); nowMs is the injected
// clock so callers control the pixel's cache-busting timestamp.
func Rewrite(html, campaignID, contactID, publicBase string, nowMs int64) Result {
	linked := autoLink(html)
	redirected := rewriteRedirects(linked, campaignID, contactID, publicBase)
	withPixel := injectPixel(redirected, campaignID, contactID, publicBase, nowMs)
	return Result{
		HTML: withPixel,
		Text: PlainText(redirected),
	}
}

// autoLink replaces bare URL-looking tokens with <a href> anchors, leaving
// existing anchor tags untouched. Per spec section 9's "observed
// ambiguity", this operates on the raw markup but skips already-anchored
// spans; it is not restricted to a true DOM text-node walk (no HTML parser
// dependency), so it can still rewrite a host-looking token inside an
// inline style attribute value if one is present outside an <a> tag. That
// matches the "recommended" choice only at the anchor-skipping level; a
// full text-node restriction would require a DOM parser the teacher's
// stack does not carry.
func autoLink(html string) string {
	anchorSpans := anchorTagRe.FindAllStringIndex(html, -1)

	inAnchor := func(start, end int) bool {
		for _, span := range anchorSpans {
			if start >= span[0] && end <= span[1] {
				return true
			}
		}
		return false
	}

	var b strings.Builder
	last := 0
	for _, m := range bareURLRe.FindAllStringIndex(html, -1) {
		start, end := m[0], m[1]
		if inAnchor(start, end) {
			continue
		}
		token := html[start:end]
		href := normalizeHref(token)
		b.WriteString(html[last:start])
		fmt.Fprintf(&b, `<a href="%s">%s</a>`, href, token)
		last = end
	}
	b.WriteString(html[last:])
	return b.String()
}

// normalizeHref applies the protocol-normalization rule from spec 4.4
// stage 1: "//" becomes "https:", "www." and bare hosts get "http://".
func normalizeHref(token string) string {
	switch {
	case strings.HasPrefix(token, "http://"), strings.HasPrefix(token, "https://"):
		return token
	case strings.HasPrefix(token, "//"):
		return "https:" + token
	default:
		return "http://" + token
	}
}

// mailtoOrTelOrFragment reports whether an href should be left untouched
// by the redirect rewrite (spec 4.4 stage 2 exclusions).
func mailtoOrTelOrFragment(href string) bool {
	h := strings.TrimSpace(strings.ToLower(href))
	return strings.HasPrefix(h, "mailto:") || strings.HasPrefix(h, "tel:") || strings.HasPrefix(h, "#") || h == ""
}

// rewriteRedirects rewrites every href pointing at http(s) to the
// click-tracking redirect URL, preserving the attribute's original quote
// style.
func rewriteRedirects(html, campaignID, contactID, publicBase string) string {
	return hrefAttrRe.ReplaceAllStringFunc(html, func(attr string) string {
		m := hrefAttrRe.FindStringSubmatch(attr)
		quote := byte('"')
		var original string
		if m[2] != "" || strings.HasPrefix(m[1], `"`) {
			original = m[2]
			quote = '"'
		} else {
			original = m[3]
			quote = '\''
		}
		if mailtoOrTelOrFragment(original) {
			return attr
		}
		lower := strings.ToLower(original)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			return attr
		}
		tracked := EncodeClickURL(campaignID, contactID, original, publicBase)
		return fmt.Sprintf("href=%c%s%c", quote, tracked, quote)
	})
}

// EncodeClickURL builds the redirect URL per spec 4.4 stage 2:
// {PUBLIC_BASE_URL}/api/track/click/{campaignId}/{contactId}?u={base64(url)}&o=1
func EncodeClickURL(campaignID, contactID, destination, publicBase string) string {
	encoded := base64.URLEncoding.EncodeToString([]byte(destination))
	return fmt.Sprintf("%s/api/track/click/%s/%s?u=%s&o=1",
		strings.TrimRight(publicBase, "/"), campaignID, contactID, encoded)
}

// injectPixel inserts a 1x1 open-tracking <img> immediately before
// </body>, or appends it if the document has no body tag (spec 4.4 stage 3).
func injectPixel(html, campaignID, contactID, publicBase string, nowMs int64) string {
	pixel := fmt.Sprintf(`<img src="%s/api/track/open/%s/%s?t=%d" width="1" height="1" alt="" style="display:none" />`,
		strings.TrimRight(publicBase, "/"), campaignID, contactID, nowMs)

	loc := bodyCloseRe.FindStringIndex(html)
	if loc == nil {
		return html + pixel
	}
	return html[:loc[0]] + pixel + html[loc[0]:]
}

// PlainText derives a plain-text fallback by stripping tags and expanding
// anchors to "text (href)" form (spec 4.4 stage 4). Anchors are expanded
// before generic tag stripping so the href survives.
func PlainText(html string) string {
	expanded := anchorTagRe.ReplaceAllStringFunc(html, func(a string) string {
		hrefMatch := hrefAttrRe.FindStringSubmatch(a)
		href := ""
		if hrefMatch != nil {
			if hrefMatch[2] != "" {
				href = hrefMatch[2]
			} else {
				href = hrefMatch[3]
			}
		}
		inner := tagRe.ReplaceAllString(a, "")
		inner = strings.TrimSpace(inner)
		if href == "" || href == inner {
			return inner
		}
		return fmt.Sprintf("%s (%s)", inner, href)
	})
	text := tagRe.ReplaceAllString(expanded, " ")
	text = strings.Join(strings.Fields(text), " ")
	return strings.TrimSpace(text)
}

// DecodeClickURL implements the click-decoder contract from spec 4.4: it
// tries, in a fixed order, URL-safe base64 (with padding repaired, stray
// whitespace trimmed, '+'<->space confusion undone), then treats the raw
// value as an already-decoded http(s) URL or bare www.* host. It returns
// the first candidate that parses to an http(s) URL.
func DecodeClickURL(u string) (string, bool) {
	u = strings.TrimSpace(u)
	if u == "" {
		return "", false
	}

	candidates := []string{
		u,
		strings.ReplaceAll(u, " ", "+"),
	}
	for _, c := range candidates {
		if decoded, ok := tryBase64(c); ok {
			return decoded, true
		}
	}

	if isHTTPURL(u) {
		return u, true
	}
	if strings.HasPrefix(strings.ToLower(u), "www.") {
		return "http://" + u, true
	}
	return "", false
}

// tryBase64 attempts URL-safe base64 decoding with missing padding
// repaired, then checks the result is an http(s) URL.
func tryBase64(s string) (string, bool) {
	padded := s
	if rem := len(padded) % 4; rem != 0 {
		padded += strings.Repeat("=", 4-rem)
	}
	decoded, err := base64.URLEncoding.DecodeString(padded)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(padded)
	}
	if err != nil {
		return "", false
	}
	result := string(decoded)
	if isHTTPURL(result) {
		return result, true
	}
	return "", false
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// NowMsString is a tiny helper used by callers building open-pixel URLs
// outside of Rewrite, kept so the timestamp format stays consistent.
func NowMsString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
