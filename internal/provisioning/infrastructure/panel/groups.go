package panel

import (
	"context"
	"encoding/json"
	"net/http"
)

type group struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// groupID resolves the configured user group once per client. A lookup
// failure is logged and the account is created without a group.
func (c *Client) groupID(ctx context.Context) (int, bool) {
	name := c.cfg.UserGroup
	if name == "" {
		return 0, false
	}

	c.groupsMu.Lock()
	id, ok := c.groups[name]
	c.groupsMu.Unlock()
	if ok {
		return id, true
	}

	var raw json.RawMessage
	if err := c.call(ctx, "list groups", http.MethodGet, "/api/user_groups", nil, &raw); err != nil {
		c.logger.Warn("could not resolve panel user group", "group", name, "error", err)
		return 0, false
	}
	groups, err := decodeGroups(raw)
	if err != nil {
		c.logger.Warn("unexpected user_groups payload", "error", err)
		return 0, false
	}

	c.groupsMu.Lock()
	for _, g := range groups {
		c.groups[g.Name] = g.ID
	}
	id, ok = c.groups[name]
	c.groupsMu.Unlock()

	if !ok {
		c.logger.Warn("panel user group not found, creating account without group", "group", name)
	}
	return id, ok
}

// decodeGroups accepts both {"user_groups": [...]} and a bare list.
func decodeGroups(raw json.RawMessage) ([]group, error) {
	var wrapped struct {
		UserGroups []group `json:"user_groups"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.UserGroups != nil {
		return wrapped.UserGroups, nil
	}
	var list []group
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}
