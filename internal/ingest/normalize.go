package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rewired-gh/tradesync/internal/models"
)

// Normalized is a webhook payload reduced to the fields every source shares.
type Normalized struct {
	Source   string
	Content  string
	Metadata map[string]string
}

// NormalizeFunc converts one source's raw webhook body.
type NormalizeFunc func(body []byte) (Normalized, error)

// Normalizers maps each webhook source to its payload decoder.
var Normalizers = map[string]NormalizeFunc{
	"twitter": normalizeTwitter,
	"discord": normalizeDiscord,
	"test":    normalizeTest,
}

// Sources returns the supported webhook sources in sorted order.
func Sources() []string {
	out := make([]string, 0, len(Normalizers))
	for s := range Normalizers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Normalize decodes body according to source. Unknown sources, bodies that
// are not JSON and payloads without content yield a *models.ValidationError.
func Normalize(source string, body []byte) (Normalized, error) {
	fn, ok := Normalizers[source]
	if !ok {
		return Normalized{}, models.NewValidationError("unsupported source %q", source)
	}
	n, err := fn(body)
	if err != nil {
		return Normalized{}, err
	}
	n.Content = strings.TrimSpace(n.Content)
	if n.Content == "" {
		return Normalized{}, models.NewValidationError("content is required")
	}
	return n, nil
}

type twitterPayload struct {
	Text     string `json:"text"`
	FullText string `json:"full_text"`
	IDStr    string `json:"id_str"`
	Created  string `json:"created_at"`
	User     struct {
		ScreenName string `json:"screen_name"`
	} `json:"user"`
}

func normalizeTwitter(body []byte) (Normalized, error) {
	var p twitterPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Normalized{}, models.NewValidationError("invalid twitter payload: %v", err)
	}
	content := p.Text
	if content == "" {
		content = p.FullText
	}
	return Normalized{
		Source:  "twitter",
		Content: content,
		Metadata: compact(map[string]string{
			"author":     p.User.ScreenName,
			"tweet_id":   p.IDStr,
			"created_at": p.Created,
		}),
	}, nil
}

type discordPayload struct {
	Content   string `json:"content"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Author    struct {
		Username string `json:"username"`
		ID       string `json:"id"`
	} `json:"author"`
}

func normalizeDiscord(body []byte) (Normalized, error) {
	var p discordPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Normalized{}, models.NewValidationError("invalid discord payload: %v", err)
	}
	return Normalized{
		Source:  "discord",
		Content: p.Content,
		Metadata: compact(map[string]string{
			"author":     p.Author.Username,
			"author_id":  p.Author.ID,
			"channel_id": p.ChannelID,
			"guild_id":   p.GuildID,
		}),
	}, nil
}

// normalizeTest accepts {content, source?}; every other field is kept as metadata.
func normalizeTest(body []byte) (Normalized, error) {
	var p map[string]any
	if err := json.Unmarshal(body, &p); err != nil {
		return Normalized{}, models.NewValidationError("invalid test payload: %v", err)
	}
	if p == nil {
		return Normalized{}, models.NewValidationError("test payload must be an object")
	}
	n := Normalized{Source: "test", Metadata: map[string]string{}}
	if c, ok := p["content"]; ok {
		s, isString := c.(string)
		if !isString {
			return Normalized{}, models.NewValidationError("content must be a string")
		}
		n.Content = s
	}
	if s, ok := p["source"].(string); ok && strings.TrimSpace(s) != "" {
		n.Source = s
	}
	for k, v := range p {
		if k == "content" || k == "source" {
			continue
		}
		n.Metadata[k] = stringify(v)
	}
	n.Metadata = compact(n.Metadata)
	return n, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

func compact(m map[string]string) map[string]string {
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
