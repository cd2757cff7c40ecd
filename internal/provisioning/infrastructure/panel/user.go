package panel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// user is the panel's account representation.
type user struct {
	Username               string                    `json:"username,omitempty"`
	Proxies                map[string]map[string]any `json:"proxies,omitempty"`
	Inbounds               map[string][]string       `json:"inbounds,omitempty"`
	Expire                 expireField               `json:"expire"`
	DataLimit              *int64                    `json:"data_limit,omitempty"`
	DataLimitResetStrategy string                    `json:"data_limit_reset_strategy,omitempty"`
	Status                 string                    `json:"status,omitempty"`
	GroupIDs               []int                     `json:"group_ids,omitempty"`
	SubscriptionURL        string                    `json:"subscription_url,omitempty"`
}

// expireField is unix seconds on the wire, with 0 or null for unlimited.
// Some forks send an ISO timestamp instead; both are accepted.
type expireField struct {
	set  bool
	unix int64
}

func (e expireField) MarshalJSON() ([]byte, error) {
	if !e.set {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(e.unix, 10)), nil
}

func (e *expireField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*e = expireField{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*e = expireField{}
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				*e = expireField{set: true, unix: t.Unix()}
				return nil
			}
		}
		return fmt.Errorf("unrecognised expire %q", s)
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*e = expireField{set: n > 0, unix: int64(n)}
	return nil
}
