package broker

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/adred-codev/ipcd/internal/protocol"
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// summarize extracts up to two sentences from content. A sentence ends at
// '.', '!' or '?' once the trimmed buffer exceeds 10 characters; short
// fragments like "Hi." keep accumulating into the next sentence. When no
// sentence boundary is found the first 150 characters serve, with an
// ellipsis when truncated.
func summarize(content string) string {
	var sentences []string
	var current strings.Builder
	for _, ch := range content {
		current.WriteRune(ch)
		if ch == '.' || ch == '!' || ch == '?' {
			s := strings.TrimSpace(current.String())
			if utf8.RuneCountInString(s) > 10 {
				sentences = append(sentences, s)
				current.Reset()
				if len(sentences) == 2 {
					break
				}
			}
		}
	}
	if len(sentences) > 0 {
		return strings.Join(sentences, " ")
	}

	runes := []rune(content)
	if len(runes) <= 150 {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(string(runes[:150])) + "..."
}

// writeLargeMessage spills content to a markdown file and returns the path
// and a summary for the queued stub. The directory is created 0700 and the
// file 0600; message bodies may hold credentials or private context, so
// they stay owner-only like the database.
func (b *Broker) writeLargeMessage(fromID, toID, content string) (path, summary string, err error) {
	dir := b.cfg.LargeMessageDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("creating large-message dir: %w", err)
	}

	now := b.now()
	name := fmt.Sprintf("%s_%s_%s_message.md",
		now.Format("20060102-150405"),
		unsafePathChars.ReplaceAllString(fromID, "_"),
		unsafePathChars.ReplaceAllString(toID, "_"),
	)
	path = filepath.Join(dir, name)

	body := fmt.Sprintf("# IPC Message\nFrom: %s\nTo: %s\nTime: %s\nSize: %.1fKB\n\n## Content\n%s\n",
		fromID, toID,
		now.Format(protocol.TimestampLayout),
		float64(len(content))/1024,
		content,
	)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return "", "", fmt.Errorf("writing large message: %w", err)
	}

	return path, summarize(content), nil
}

// roundKB converts a byte count to KiB with one decimal, the shape clients
// expect in the original_size_kb data field.
func roundKB(size int) float64 {
	return math.Round(float64(size)/1024*10) / 10
}
