package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates of the training stats.
const maxUpdateFrequency = time.Millisecond * 200

// numStatsRows is the number of rows of the stats table.
const numStatsRows = 3

type progressUpdate struct {
	step int
	loss float32
}

// trainProgress displays a progress bar and a table with the last loss while training.
// Updates are drawn asynchronously, so the training loop doesn't wait on the terminal.
type trainProgress struct {
	numSteps int
	bar      *progressbar.ProgressBar
	start    time.Time

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan progressUpdate
	done          sync.WaitGroup
}

// newTrainProgress returns nil if there are no steps to display. The methods of a nil *trainProgress are no-ops.
func newTrainProgress(numSteps int) *trainProgress {
	if numSteps <= 0 {
		return nil
	}
	p := &trainProgress{
		numSteps:      numSteps,
		start:         time.Now(),
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		isFirstOutput: true,
		updates:       make(chan progressUpdate, 100),
	}
	p.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stdout),
	)
	p.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	p.done.Add(1)
	go p.drawLoop()
	return p
}

func (p *trainProgress) drawLoop() {
	defer p.done.Done()
	lastStep := -1
	for update := range p.updates {
		// Only the most recent of the pending updates is drawn.
	exhaust:
		for {
			select {
			case newUpdate, ok := <-p.updates:
				if !ok {
					break exhaust
				}
				update = newUpdate
			default:
				break exhaust
			}
		}

		p.statsTable.Data(lgtable.NewStringData())
		p.statsTable.Row("Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(update.step+1)),
			humanize.Comma(int64(p.numSteps))))
		p.statsTable.Row("Loss", formatLoss(update.loss))
		p.statsTable.Row("Mean step duration", formatDuration(time.Since(p.start)/time.Duration(update.step+1)))

		p.termenv.HideCursor()
		if !p.isFirstOutput {
			// Table rows, its borders and the progress bar line.
			p.termenv.CursorPrevLine(numStatsRows + 2 + 1)
		}
		p.isFirstOutput = false
		fmt.Println(p.statsStyle.Render(p.statsTable.String()))
		_ = p.bar.Add(update.step - lastStep)
		lastStep = update.step
		fmt.Println()
		p.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// update reports a finished training step.
func (p *trainProgress) update(step int, loss float32) {
	if p == nil {
		return
	}
	update := progressUpdate{step: step, loss: loss}
	if step == p.numSteps-1 {
		p.updates <- update
		return
	}
	select {
	case p.updates <- update:
	default:
		// Dropped: a later update supersedes it.
	}
}

// finish waits for the pending updates to be drawn.
func (p *trainProgress) finish() {
	if p == nil {
		return
	}
	close(p.updates)
	p.done.Wait()
	p.termenv.ShowCursor()
	fmt.Println()
}
