package ingest

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultTimedTextBase is YouTube's caption endpoint. It serves plain
// XML without authentication for videos that expose caption tracks.
const defaultTimedTextBase = "https://video.google.com/timedtext"

// TranscriptSegment is one caption line with its timing in seconds.
type TranscriptSegment struct {
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Text     string  `json:"text"`
}

// Transcript is a video's caption track.
type Transcript struct {
	VideoID  string              `json:"video_id"`
	Language string              `json:"language"`
	Segments []TranscriptSegment `json:"segments"`
}

// Text flattens the segments into one space-joined body.
func (t *Transcript) Text() string {
	parts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		if txt := strings.TrimSpace(s.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, " ")
}

// TranscriptClient fetches caption tracks from the timedtext endpoint.
type TranscriptClient struct {
	httpClient *http.Client
	baseURL    string
	language   string
}

// NewTranscriptClient builds a client with the default endpoint and a
// preference for English tracks. A nil http client gets a 30s timeout.
func NewTranscriptClient(client *http.Client) *TranscriptClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TranscriptClient{
		httpClient: client,
		baseURL:    defaultTimedTextBase,
		language:   "en",
	}
}

// VideoID extracts the video id from the URL forms YouTube serves:
// watch?v=, youtu.be/, /embed/, /shorts/ and /live/.
func VideoID(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse video url: %w", err)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")

	if host == "youtu.be" {
		if id := strings.Trim(u.Path, "/"); id != "" {
			return id, nil
		}
	}
	if host == "youtube.com" || host == "m.youtube.com" || host == "music.youtube.com" {
		if id := u.Query().Get("v"); id != "" {
			return id, nil
		}
		for _, prefix := range []string{"/embed/", "/shorts/", "/live/"} {
			if rest, ok := strings.CutPrefix(u.Path, prefix); ok {
				if id := strings.Trim(rest, "/"); id != "" {
					return id, nil
				}
			}
		}
	}
	return "", fmt.Errorf("no video id in %q", raw)
}

// Fetch returns the transcript for a video URL. It tries the preferred
// language first and falls back to the first listed caption track.
func (c *TranscriptClient) Fetch(ctx context.Context, videoURL string) (*Transcript, error) {
	videoID, err := VideoID(videoURL)
	if err != nil {
		return nil, err
	}

	segments, err := c.fetchTrack(ctx, videoID, c.language)
	if err != nil {
		return nil, err
	}
	language := c.language
	if len(segments) == 0 {
		language, err = c.firstTrackLanguage(ctx, videoID)
		if err != nil {
			return nil, err
		}
		if language != "" {
			segments, err = c.fetchTrack(ctx, videoID, language)
			if err != nil {
				return nil, err
			}
		}
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("video %s has no caption track", videoID)
	}
	return &Transcript{VideoID: videoID, Language: language, Segments: segments}, nil
}

type timedTextLine struct {
	Start float64 `xml:"start,attr"`
	Dur   float64 `xml:"dur,attr"`
	Body  string  `xml:",chardata"`
}

type timedTextDoc struct {
	XMLName xml.Name        `xml:"transcript"`
	Texts   []timedTextLine `xml:"text"`
}

// fetchTrack pulls one language's track. An empty body means the track
// does not exist, which is not an error here.
func (c *TranscriptClient) fetchTrack(ctx context.Context, videoID, language string) ([]TranscriptSegment, error) {
	body, err := c.get(ctx, url.Values{"v": {videoID}, "lang": {language}})
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}

	var doc timedTextDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	segments := make([]TranscriptSegment, 0, len(doc.Texts))
	for _, line := range doc.Texts {
		// Tracks double-escape entities: the XML decoder leaves behind
		// literal &amp;#39; style sequences.
		segments = append(segments, TranscriptSegment{
			Start:    line.Start,
			Duration: line.Dur,
			Text:     html.UnescapeString(line.Body),
		})
	}
	return segments, nil
}

type caption struct {
	LangCode string `xml:"lang_code,attr"`
	Name     string `xml:"name,attr"`
}

type trackListDoc struct {
	XMLName xml.Name  `xml:"transcript_list"`
	Tracks  []caption `xml:"track"`
}

// firstTrackLanguage lists the video's caption tracks and returns the
// first language code, or "" when none exist.
func (c *TranscriptClient) firstTrackLanguage(ctx context.Context, videoID string) (string, error) {
	body, err := c.get(ctx, url.Values{"type": {"list"}, "v": {videoID}})
	if err != nil {
		return "", err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", nil
	}

	var doc trackListDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("parse track list: %w", err)
	}
	if len(doc.Tracks) == 0 {
		return "", nil
	}
	return doc.Tracks[0].LangCode, nil
}

func (c *TranscriptClient) get(ctx context.Context, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build timedtext request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch timedtext: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timedtext returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read timedtext response: %w", err)
	}
	return body, nil
}
