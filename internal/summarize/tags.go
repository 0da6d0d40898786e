package summarize

import "strings"

// Keyword buckets for lightweight tagging. Deliberately coarse: anything
// smarter belongs to a dedicated classifier, not this harvester.
var keywordTags = []struct {
	tag      string
	keywords []string
}{
	{"tech", []string{"python", "javascript", "golang", "react", "api", "github", "docker", "kubernetes", "machine learning", "ai"}},
	{"business", []string{"startup", "funding", "business", "strategy", "market", "finance", "investment"}},
	{"news", []string{"news", "update", "release", "announcement", "breaking"}},
}

var domainTags = map[string]string{
	"github.com":  "github",
	"medium.com":  "article",
	"youtube.com": "video",
	"youtu.be":    "video",
	"twitter.com": "social",
	"x.com":       "social",
}

// Tags derives lightweight tags from the title, content sample, and
// domain of a scraped page.
func Tags(title, content, domain string, wordCount int) []string {
	sample := strings.ToLower(title + " " + head(content, 500))
	var tags []string

	for _, bucket := range keywordTags {
		for _, kw := range bucket.keywords {
			if strings.Contains(sample, kw) {
				tags = append(tags, bucket.tag)
				break
			}
		}
	}

	if t, ok := domainTags[strings.TrimPrefix(domain, "www.")]; ok {
		tags = append(tags, t)
	}

	switch {
	case wordCount > 2000:
		tags = append(tags, "long-read")
	case wordCount > 500:
		tags = append(tags, "article")
	default:
		tags = append(tags, "short")
	}

	return dedupe(tags)
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func dedupe(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
