package loss

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lossGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "mf_loss",
	Help: "Accumulated value of each loss metric for the most recent evaluation round",
}, []string{"metric"})

// Recorder accumulates named loss metrics per evaluation round. Values only
// grow by increments, so partial results from many evaluators sum into one
// figure per round.
type Recorder struct {
	mu     sync.RWMutex
	rounds map[int]map[string]float64
	fields []string // first-seen order
	latest int
}

func NewRecorder() *Recorder {
	return &Recorder{
		rounds: make(map[int]map[string]float64),
		latest: -1,
	}
}

// IncLoss adds amount to metric name of round.
func (r *Recorder) IncLoss(round int, name string, amount float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	values, ok := r.rounds[round]
	if !ok {
		values = make(map[string]float64)
		r.rounds[round] = values
	}
	if _, seen := values[name]; !seen && !r.hasField(name) {
		r.fields = append(r.fields, name)
	}
	values[name] += amount

	if round > r.latest {
		r.latest = round
	}
	if round == r.latest {
		lossGauge.WithLabelValues(name).Set(values[name])
	}
}

func (r *Recorder) hasField(name string) bool {
	for _, f := range r.fields {
		if f == name {
			return true
		}
	}
	return false
}

// Loss returns the accumulated value of name for round, zero if unset.
func (r *Recorder) Loss(round int, name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rounds[round][name]
}

// Rounds returns the recorded rounds in ascending order.
func (r *Recorder) Rounds() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rounds := make([]int, 0, len(r.rounds))
	for round := range r.rounds {
		rounds = append(rounds, round)
	}
	sort.Ints(rounds)
	return rounds
}

// Fields returns the metric names in the order they were first recorded.
func (r *Recorder) Fields() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.fields...)
}

// Report writes one line per round: the round number followed by every
// field's value, under a header line naming the columns.
func (r *Recorder) Report(w io.Writer) error {
	fields := r.Fields()
	rounds := r.Rounds()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Round")
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f)
	}
	b.WriteByte('\n')

	for _, round := range rounds {
		b.WriteString(strconv.Itoa(round))
		for _, f := range fields {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatFloat(r.rounds[round][f], 'g', 8, 64))
		}
		b.WriteByte('\n')
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write loss report: %w", err)
	}
	return nil
}
