package metrics

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

const (
	eventsMetric = "meshconf_relay_events_total"
	eventsHelp   = "Count of relay-internal events by name."
)

// PrometheusHandler renders the counter set in the Prometheus text
// exposition format. Every counter becomes one sample of a single metric,
// distinguished by an `event` label, so new counters show up in scrapes
// without any registration step.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		events := make([]string, 0, len(snap))
		for name := range snap {
			events = append(events, name)
		}
		sort.Strings(events)

		var b strings.Builder
		b.WriteString("# HELP " + eventsMetric + " " + eventsHelp + "\n")
		b.WriteString("# TYPE " + eventsMetric + " counter\n")
		for _, name := range events {
			b.WriteString(eventsMetric)
			b.WriteString(`{event="`)
			b.WriteString(escapeLabelValue(name))
			b.WriteString(`"} `)
			b.WriteString(strconv.FormatUint(snap[name], 10))
			b.WriteByte('\n')
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = io.WriteString(w, b.String())
	})
}

// escapeLabelValue escapes the characters the exposition format reserves
// inside a label value.
func escapeLabelValue(v string) string {
	if !strings.ContainsAny(v, "\\\"\n") {
		return v
	}
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(v)
}
