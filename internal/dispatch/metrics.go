package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はイベント処理結果のカウンタ。複数セッションで共有する。
type Metrics struct {
	// outcomes はイベント種別と結果ごとの処理件数。
	outcomes *prometheus.CounterVec
}

// NewMetrics はカウンタを生成して reg に登録する。reg が nil なら登録しない。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matreq",
			Subsystem: "notifier",
			Name:      "events_dispatched_total",
			Help:      "Realtime events processed by the dispatcher, by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes)
	}
	return m
}

// Outcomes はカウンタを返す。テストでの検証に使う。
func (m *Metrics) Outcomes() *prometheus.CounterVec {
	return m.outcomes
}

func (m *Metrics) observe(t string, o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(t, string(o)).Inc()
}
