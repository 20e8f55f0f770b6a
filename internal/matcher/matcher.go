// Package matcher finds candidate streams for a channel by regex-matching
// stream names against the channel's patterns.
//
// Patterns may contain the literal token CHANNEL_NAME, which is substituted
// with the channel's name escaped as a regex literal. Whitespace runs in a
// pattern are folded to \s+ before compilation so "Sky  Sport" and
// "Sky Sport" match the same feeds.
package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sbeimel/streamflow-sub002/internal/upstream"
)

// ChannelNameToken is replaced by the escaped channel name at compile time.
const ChannelNameToken = "CHANNEL_NAME"

var whitespaceRunRe = regexp.MustCompile(`\s+`)

// Matcher compiles channel patterns and matches streams against them.
type Matcher struct {
	caseSensitive bool
}

// New builds a Matcher. caseSensitive mirrors the global matching setting
// (default true).
func New(caseSensitive bool) *Matcher {
	return &Matcher{caseSensitive: caseSensitive}
}

// Compile turns one channel pattern into a regexp. The CHANNEL_NAME token
// is escaped as a literal, never interpolated raw, so channel names with
// regex metacharacters ("RTL+ (HD)") cannot break or widen the pattern.
func (m *Matcher) Compile(pattern, channelName string) (*regexp.Regexp, error) {
	expanded := strings.ReplaceAll(pattern, ChannelNameToken, regexp.QuoteMeta(channelName))
	expanded = whitespaceRunRe.ReplaceAllString(expanded, `\s+`)
	if !m.caseSensitive {
		expanded = "(?i)" + expanded
	}
	re, err := regexp.Compile(expanded)
	if err != nil {
		return nil, fmt.Errorf("matcher: pattern %q: %w", pattern, err)
	}
	return re, nil
}

// Candidates returns the streams whose name matches any of the channel's
// patterns. A nil/empty patterns list falls back to the bare CHANNEL_NAME
// token (exact-name matching). accountFilter may be nil (no filtering);
// otherwise only streams from accepted M3U accounts are considered.
func (m *Matcher) Candidates(channelName string, patterns []string, streams []upstream.Stream, accountFilter func(accountID int) bool) ([]upstream.Stream, error) {
	if len(patterns) == 0 {
		patterns = []string{ChannelNameToken}
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := m.Compile(p, channelName)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	var out []upstream.Stream
	for _, s := range streams {
		if accountFilter != nil {
			if s.M3UAccountID == nil || !accountFilter(*s.M3UAccountID) {
				continue
			}
		}
		for _, re := range compiled {
			if re.MatchString(s.Name) {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}
