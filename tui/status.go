// Package tui is a read-only terminal view of the gateway: one row per PLC
// with its connection status and link counters.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"adslink/plcman"
)

// Status indicators
const (
	StatusIndicatorConnected    = "[green]●[-]"
	StatusIndicatorDisconnected = "[gray]○[-]"
	StatusIndicatorConnecting   = "[yellow]◐[-]"
	StatusIndicatorError        = "[red]●[-]"
)

// RefreshInterval is how often the view re-reads the manager.
const RefreshInterval = time.Second

// Source is the part of plcman.Manager the view reads.
type Source interface {
	ListPLCs() []*plcman.ManagedPLC
	GetPollStats() plcman.PollStats
}

var headers = []string{"", "Name", "Transport", "Target", "Status", "Link", "Pending", "Sent", "Received", "Retransmits", "CRC drops", "Timeouts", "Error"}

// StatusView shows per-PLC status and link counters.
type StatusView struct {
	source    Source
	flex      *tview.Flex
	table     *tview.Table
	statusBar *tview.TextView
}

// NewStatusView builds the view and fills it once.
func NewStatusView(source Source) *StatusView {
	v := &StatusView{source: source}
	v.setupUI()
	v.Refresh()
	return v
}

func (v *StatusView) setupUI() {
	v.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)

	for i, h := range headers {
		v.table.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}

	v.statusBar = tview.NewTextView().SetDynamicColors(true)

	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(" [yellow]q[white]uit  [yellow]Esc[white] quit ")

	frame := tview.NewFrame(v.table).SetBorders(1, 0, 0, 0, 1, 1)
	frame.SetBorder(true).SetTitle(" adslink ")

	v.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(help, 1, 0, false).
		AddItem(frame, 0, 1, true).
		AddItem(v.statusBar, 1, 0, false)
}

// GetPrimitive returns the root of the view.
func (v *StatusView) GetPrimitive() tview.Primitive {
	return v.flex
}

func indicator(s plcman.ConnectionStatus) string {
	switch s {
	case plcman.StatusConnected:
		return StatusIndicatorConnected
	case plcman.StatusConnecting:
		return StatusIndicatorConnecting
	case plcman.StatusError:
		return StatusIndicatorError
	default:
		return StatusIndicatorDisconnected
	}
}

func count(n uint64) string { return strconv.FormatUint(n, 10) }

// Refresh re-reads the source.
func (v *StatusView) Refresh() {
	for row := v.table.GetRowCount() - 1; row > 0; row-- {
		v.table.RemoveRow(row)
	}

	plcs := v.source.ListPLCs()
	sort.Slice(plcs, func(i, j int) bool { return plcs[i].Config.Name < plcs[j].Config.Name })

	for i, plc := range plcs {
		row := i + 1
		cfg := plc.Config
		st := plc.Stats()

		transport := "serial"
		if cfg.IsTCP() {
			transport = "tcp"
		}
		target := cfg.AmsNetId
		if t, err := cfg.Target(); err == nil {
			target = t.String()
		}
		errText := ""
		if err := plc.GetError(); err != nil {
			errText = err.Error()
		}

		cells := []string{
			indicator(plc.GetStatus()),
			cfg.Name,
			transport,
			target,
			plc.GetStatus().String(),
			plc.LinkState().String(),
			strconv.FormatInt(st.Pending, 10),
			count(st.FramesSent),
			count(st.FramesReceived),
			count(st.Retransmits),
			count(st.CrcErrors),
			count(st.Timeouts),
			errText,
		}
		for col, text := range cells {
			cell := tview.NewTableCell(text).SetExpansion(1)
			if col == 0 {
				cell.SetExpansion(0)
			}
			if col == len(cells)-1 {
				cell.SetTextColor(tcell.ColorRed)
			}
			v.table.SetCell(row, col, cell)
		}
	}

	ps := v.source.GetPollStats()
	status := fmt.Sprintf(" %d PLC(s)  tags polled %d  changes %d", len(plcs), ps.TagsPolled, ps.ChangesFound)
	if !ps.LastPollTime.IsZero() {
		status += "  last poll " + ps.LastPollTime.Format("15:04:05")
	}
	if ps.LastError != nil {
		status += fmt.Sprintf("  [red]%v[-]", ps.LastError)
	}
	v.statusBar.SetText(status)
}

// Run shows the view until ctx ends or the user quits.
func Run(ctx context.Context, source Source) error {
	app := tview.NewApplication()
	v := NewStatusView(source)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				app.Stop()
				return
			case <-ticker.C:
				app.QueueUpdateDraw(v.Refresh)
			}
		}
	}()

	return app.SetRoot(v.GetPrimitive(), true).EnableMouse(false).Run()
}
