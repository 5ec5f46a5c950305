package trust

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DeviceAttributes are the client-reported properties a fingerprint is derived from.
type DeviceAttributes struct {
	UserAgent           string `json:"user_agent"`
	Screen              string `json:"screen"`
	Timezone            string `json:"timezone"`
	Language            string `json:"language"`
	Canvas              string `json:"canvas"`
	WebGL               string `json:"webgl"`
	Audio               string `json:"audio"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
	Platform            string `json:"platform"`
}

// Fingerprint returns a stable 16 hex digit digest of the attributes.
// Field values are trimmed and lower-cased so cosmetic differences don't
// change the result. Returns "" when every attribute is empty.
func (a DeviceAttributes) Fingerprint() string {
	fields := []string{
		a.UserAgent, a.Screen, a.Timezone, a.Language,
		a.Canvas, a.WebGL, a.Audio, a.Platform,
	}
	empty := a.HardwareConcurrency == 0
	h := xxhash.New()
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			empty = false
		}
		_, _ = h.WriteString(f)
		_, _ = h.Write([]byte{0})
	}
	if empty {
		return ""
	}
	_, _ = h.WriteString(strconv.Itoa(a.HardwareConcurrency))
	return fmt.Sprintf("%016x", h.Sum64())
}
