package metrics

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// One counter family covers every internal event; the event name becomes a
// label value. Scrape config stays a single rule and the registry stays a map.
const expositionName = "crosstalk_events_total"

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// PrometheusHandler serves the counters in the text exposition format.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		events := make([]string, 0, len(snap))
		for ev := range snap {
			events = append(events, ev)
		}
		slices.Sort(events)

		var b strings.Builder
		b.WriteString("# HELP " + expositionName + " Internal event counters.\n")
		b.WriteString("# TYPE " + expositionName + " counter\n")
		for _, ev := range events {
			b.WriteString(expositionName + `{event="` + labelEscaper.Replace(ev) + `"} `)
			b.WriteString(strconv.FormatUint(snap[ev], 10))
			b.WriteByte('\n')
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(b.String()))
	})
}
