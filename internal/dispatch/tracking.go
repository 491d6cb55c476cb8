package dispatch

import (
	"net/url"
	"strings"
)

// TrackingPath is the API route that serves the open-tracking pixel.
const TrackingPath = "/api/v1/track/open"

// withTrackingPixel inserts a 1x1 image before </body>, or appends it when
// the body has no closing tag.
func withTrackingPixel(htmlBody, baseURL, messageID string) string {
	src := strings.TrimRight(baseURL, "/") + TrackingPath + "?id=" + url.QueryEscape(messageID)
	pixel := `<img src="` + src + `" width="1" height="1" alt="" style="display:none" />`

	if i := strings.LastIndex(strings.ToLower(htmlBody), "</body>"); i >= 0 {
		return htmlBody[:i] + pixel + htmlBody[i:]
	}
	return htmlBody + pixel
}
