package enlighten

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/enlightenev/enlightenev/pkg/types"
)

// SummaryV2 fetches the per-charger metadata list for the site.
func (c *Client) SummaryV2(ctx context.Context) ([]Value, error) {
	var data Value
	endpoint := "/service/evse_controller/api/v2/" + c.siteID + "/ev_chargers/summary"
	params := url.Values{"filter_retired": {"true"}}
	if err := c.doJSON(ctx, http.MethodGet, endpoint, params, nil, nil, &data); err != nil {
		return nil, err
	}
	return data.Get("data").List(), nil
}

// Chargers lists the site's chargers for onboarding. The summary list is
// preferred and the status list is used when it is empty.
func (c *Client) Chargers(ctx context.Context) ([]types.ChargerInfo, error) {
	items, err := c.SummaryV2(ctx)
	if err != nil {
		return nil, err
	}
	out := chargerInfos(items, "serialNumber", "displayName", "name")
	if len(out) > 0 {
		return out, nil
	}

	status, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	return chargerInfos(status.Chargers, "sn", "name"), nil
}

func chargerInfos(items []Value, serialKey string, nameKeys ...string) []types.ChargerInfo {
	seen := map[string]bool{}
	var out []types.ChargerInfo
	for _, it := range items {
		sn, ok := it.Get(serialKey).Text()
		sn = strings.TrimSpace(sn)
		if !ok || sn == "" || seen[sn] {
			continue
		}
		seen[sn] = true
		info := types.ChargerInfo{Serial: sn}
		for _, k := range nameKeys {
			if name, ok := it.Get(k).Text(); ok && strings.TrimSpace(name) != "" {
				info.Name = strings.TrimSpace(name)
				break
			}
		}
		out = append(out, info)
	}
	return out
}
