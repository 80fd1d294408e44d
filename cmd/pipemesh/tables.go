package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/pipemesh/pkg/core/distributed"
	"github.com/gomlx/pipemesh/pkg/ml/pipeline"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// newPlainTable returns a bordered table with alternating row colors. Header cells, set with Headers, are
// rendered in reverse video above a separator line.
func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func printMesh(mesh distributed.MeshConfig) {
	fmt.Println(titleStyle.Render("Mesh"))
	table := newPlainTable()
	table.Row("world size", humanize.Comma(int64(mesh.WorldSize)))
	table.Row("pipeline stages", humanize.Comma(int64(mesh.PipelineSize)))
	dataSize := humanize.Comma(int64(mesh.DataSize))
	if mesh.Adjusted {
		dataSize = fmt.Sprintf("%s (requested %d)", dataSize, mesh.RequestedDataSize)
	}
	table.Row("data-parallel replicas", dataSize)
	table.Row("tensor-parallel shards", humanize.Comma(int64(mesh.TensorSize)))
	fmt.Println(table.Render())
}

func printRanks(topology *distributed.Topology) {
	fmt.Println(titleStyle.Render("Ranks"))
	table := newPlainTable().Headers("Rank", "Stage", "Replica", "Shard")
	for rank := range topology.WorldSize() {
		coord, err := topology.Coordinate(rank)
		if err != nil {
			continue
		}
		table.Row(fmt.Sprint(rank), fmt.Sprint(coord.Pipe), fmt.Sprint(coord.Data), fmt.Sprint(coord.Tensor))
	}
	fmt.Println(table.Render())
}

// kindCounts summarizes the layer kinds of specs, e.g. "embedding, 3 x mixer".
func kindCounts(specs []pipeline.LayerSpec) string {
	var parts []string
	for start := 0; start < len(specs); {
		end := start + 1
		for end < len(specs) && specs[end].Kind == specs[start].Kind {
			end++
		}
		if end-start > 1 {
			parts = append(parts, fmt.Sprintf("%d x %s", end-start, specs[start].Kind))
		} else {
			parts = append(parts, specs[start].Kind)
		}
		start = end
	}
	return strings.Join(parts, ", ")
}

func printPartition(specs []pipeline.LayerSpec, partition pipeline.Partition) {
	fmt.Println(titleStyle.Render("Partition"))
	table := newPlainTable().Headers("Stage", "Layers", "Kinds", "# parameters")
	var total int64
	for stage := range partition.NumStages() {
		start, end := partition.Range(stage)
		var numParams int64
		for _, spec := range specs[start:end] {
			numParams += spec.NumParams
		}
		total += numParams
		table.Row(fmt.Sprint(stage), fmt.Sprintf("[%d, %d)", start, end), kindCounts(specs[start:end]),
			humanize.Comma(numParams))
	}
	table.Row("total", fmt.Sprint(partition.NumLayers()), "", humanize.Comma(total))
	fmt.Println(table.Render())
}

func printTies(specs []pipeline.LayerSpec, partition pipeline.Partition) {
	var keys []string
	members := make(map[string][]string)
	for layer, spec := range specs {
		if spec.Tie == nil {
			continue
		}
		key := spec.Tie.Key
		if _, found := members[key]; !found {
			keys = append(keys, key)
		}
		members[key] = append(members[key], fmt.Sprintf("layer %d (%s) on stage %d", layer, spec.Kind,
			partition.StageOf(layer)))
	}
	if len(keys) == 0 {
		return
	}
	fmt.Println(titleStyle.Render("Tied weights"))
	table := newPlainTable().Headers("Key", "Members")
	for _, key := range keys {
		table.Row(key, strings.Join(members[key], "; "))
	}
	fmt.Println(table.Render())
}

func formatLoss(loss float32) string { return fmt.Sprintf("%.4f", loss) }

func formatDuration(d time.Duration) string {
	switch {
	case d > time.Second:
		return d.Round(time.Millisecond).String()
	case d > time.Millisecond:
		return d.Round(time.Microsecond).String()
	}
	return d.String()
}

// printReports prints the summary of a run from the reports of the ranks available (all of them in a
// simulation, only the local one in a worker).
func printReports(runID string, reports []*rankReport) {
	if len(reports) == 0 {
		return
	}
	first := reports[0]
	fmt.Println(titleStyle.Render("Run " + runID))
	table := newPlainTable()
	table.Row("training steps", humanize.Comma(int64(len(first.losses))))
	if n := len(first.losses); n > 0 {
		table.Row("first loss", formatLoss(first.losses[0]))
		table.Row("last loss", formatLoss(first.losses[n-1]))
	}
	table.Row("activation resets", humanize.Comma(int64(first.bufferResets)))
	for row, sequence := range first.sequences {
		table.Row(fmt.Sprintf("sequence #%d", row), fmt.Sprint(sequence))
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Ranks"))
	table = newPlainTable().Headers("Rank", "Coordinate", "Layers", "Elapsed")
	for _, report := range reports {
		table.Row(fmt.Sprint(report.rank), report.coordinate.String(),
			fmt.Sprintf("[%d, %d)", report.layersStart, report.layersEnd), formatDuration(report.elapsed))
	}
	fmt.Println(table.Render())
}
