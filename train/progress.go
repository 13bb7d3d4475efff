package train

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// progressBar renders in-place batch progress for one epoch: bar, rate and
// running metrics on one line.
type progressBar struct {
	description string
	total       int
	current     int
	width       int
	startTime   time.Time
	metrics     map[string]float64
}

func newProgressBar(description string, total int) *progressBar {
	return &progressBar{
		description: description,
		total:       total,
		width:       40,
		startTime:   time.Now(),
		metrics:     make(map[string]float64),
	}
}

func (pb *progressBar) update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

func (pb *progressBar) finish() {
	pb.current = pb.total
	pb.render()
	fmt.Println()
}

func (pb *progressBar) render() {
	frac := 0.0
	if pb.total > 0 {
		frac = float64(pb.current) / float64(pb.total)
	}
	filled := int(frac * float64(pb.width))
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(pb.current) / elapsed
	}

	line := fmt.Sprintf("\r%s [%s] %d/%d %.2f it/s", pb.description, bar, pb.current, pb.total, rate)
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%.4f", k, pb.metrics[k])
	}
	fmt.Print(line)
}
