package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// RenderTemplate fills {{placeholder}} markers from vars. Unknown placeholders
// are left in place so a broken template is visible in the delivered text
// rather than silently blanked.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

func newID(prefix string) string {
	// ULID is sortable (nice for DB indexes and dashboards)
	t := time.Now().UTC()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewCampaignID() string  { return newID("cmp") }
func NewRecipientID() string { return newID("rcp") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
