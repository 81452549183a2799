package enlighten

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/enlightenev/enlightenev/pkg/log"
)

// StatusResponse is the canonical charger status shape: a list of charger
// objects plus the response level timestamp.
type StatusResponse struct {
	Chargers []Value
	TS       Value
}

// Status fetches the charger status list. Deployments that answer the
// plural path with no chargers are retried on the singular path, and the
// nested data.chargers shape is remapped onto the evChargerData shape.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var data Value
	if err := c.doJSON(ctx, http.MethodGet, c.controllerPath("ev_chargers", "status"), nil, nil, nil, &data); err != nil {
		return StatusResponse{}, err
	}

	if len(data.Get("evChargerData").List()) == 0 {
		var alt Value
		err := c.doJSON(ctx, http.MethodGet, c.controllerPath("ev_charger", "status"), nil, nil, nil, &alt)
		switch {
		case err != nil:
			log.Ctx(ctx).DebugContext(ctx, "alternate status path failed", slog.Any("error", err))
		case alt.Truthy():
			data = alt
		}
	}

	if nested := data.Get("data").Get("chargers").List(); len(nested) > 0 {
		return StatusResponse{
			Chargers: remapNested(nested),
			TS:       data.Get("meta").Get("serverTimeStamp"),
		}, nil
	}

	return StatusResponse{
		Chargers: data.Get("evChargerData").List(),
		TS:       data.Get("ts"),
	}, nil
}

func remapNested(chargers []Value) []Value {
	out := make([]Value, 0, len(chargers))
	for _, ch := range chargers {
		conn := ch.Get("connectors").First()
		sess := ch.Get("session_d")

		// strt_chrg is reported in milliseconds
		var start any
		if ms, ok := sess.Get("strt_chrg").Int(); ok {
			start = float64(ms / 1000)
		}

		out = append(out, NewValue(map[string]any{
			"sn":                  ch.Get("sn").Raw(),
			"name":                ch.Get("name").Raw(),
			"connected":           ch.Get("connected").Truthy(),
			"pluggedIn":           ch.Get("pluggedIn").Truthy() || conn.Get("pluggedIn").Truthy(),
			"charging":            ch.Get("charging").Truthy(),
			"faulted":             ch.Get("faulted").Truthy(),
			"connectorStatusType": conn.Get("connectorStatusType").Raw(),
			"session_d": map[string]any{
				"e_c":        sess.Get("e_c").Raw(),
				"start_time": start,
			},
		}))
	}
	return out
}
