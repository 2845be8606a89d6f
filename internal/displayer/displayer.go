package displayer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"elmlink/internal/models"
	"elmlink/internal/obd"
	"elmlink/pkg/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

// Connection is the part of obd.Manager the UI observes.
type Connection interface {
	OnStateChange(fn func(obd.ConnectionState))
	State() obd.ConnectionState
	AdapterInfo() obd.AdapterInfo
}

// Queries is the part of obd.Orchestrator the UI drives.
type Queries interface {
	QueryMode(ctx context.Context, mode models.Mode) (map[string]models.DiagnosticResponse, error)
	QueryFaultCodes(ctx context.Context) ([]string, error)
	QueryPendingFaultCodes(ctx context.Context) ([]string, error)
	ClearAndReverify(ctx context.Context) ([]string, error)
}

// Displayer handles the TUI. It refreshes the live data table and the trouble
// codes on a fixed interval while the session is Ready.
type Displayer struct {
	app     *tview.Application
	tabs    *tview.Pages
	conn    Connection
	queries Queries
	catalog *obd.Catalog
	refresh time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    obd.ConnectionState
	notice   string
	clearing bool
	changed  chan struct{}

	// UI elements cached for updates
	statusText *tview.TextView
	helpText   *tview.TextView
	liveTable  *tview.Table
	dtcTable   *tview.Table
}

func New(conn Connection, queries Queries, refresh time.Duration) *Displayer {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Displayer{
		app:     tview.NewApplication(),
		tabs:    tview.NewPages(),
		conn:    conn,
		queries: queries,
		catalog: obd.DefaultCatalog(),
		refresh: refresh,
		ctx:     ctx,
		cancel:  cancel,
		state:   conn.State(),
		changed: make(chan struct{}, 1),
	}
	conn.OnStateChange(func(s obd.ConnectionState) {
		d.mu.Lock()
		d.state = s
		d.mu.Unlock()
		d.poke()
	})
	return d
}

// poke asks the refresh loop to redraw the header.
func (d *Displayer) poke() {
	select {
	case d.changed <- struct{}{}:
	default:
	}
}

func (d *Displayer) Run() error {
	title := tview.NewTextView().SetTextAlign(tview.AlignCenter).SetText("elmlink - ELM327 diagnostics")
	d.statusText = tview.NewTextView().SetTextAlign(tview.AlignCenter).SetDynamicColors(true)
	d.helpText = tview.NewTextView().SetTextAlign(tview.AlignCenter).SetText("[1 - Live data] [2 - DTC] [c - Clear DTC] [q - Quit]")

	headerFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	headerFlex.AddItem(title, 1, 0, false)
	headerFlex.AddItem(d.statusText, 1, 0, false)
	headerFlex.AddItem(d.helpText, 1, 0, false)

	d.liveTable = newTable("Name", "Value", "Unit")
	d.dtcTable = newTable("Code", "Description", "Status")
	d.tabs.AddPage("live", d.liveTable, true, true)
	d.tabs.AddPage("dtc", d.dtcTable, true, false)

	mainFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	mainFlex.AddItem(headerFlex, 3, 0, false)
	mainFlex.AddItem(d.tabs, 0, 1, true)

	d.app.SetRoot(mainFlex, true)
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'q', 'Q':
			d.Shutdown()
			return nil
		case '1':
			d.tabs.SwitchToPage("live")
			return nil
		case '2':
			d.tabs.SwitchToPage("dtc")
			return nil
		case 'c', 'C':
			d.clearFaults()
			return nil
		}
		return event
	})
	d.renderStatus()

	go d.refreshLoop()

	return d.app.Run()
}

func (d *Displayer) Shutdown() {
	d.cancel()
	d.app.Stop()
}

func newTable(headers ...string) *tview.Table {
	tbl := tview.NewTable().SetBorders(true)
	for i, h := range headers {
		tbl.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAlign(tview.AlignCenter))
	}
	return tbl
}

func setRows(tbl *tview.Table, rows [][]string) {
	// clear rows except header
	for r := tbl.GetRowCount() - 1; r >= 1; r-- {
		tbl.RemoveRow(r)
	}
	for i, row := range rows {
		for j, v := range row {
			tbl.SetCell(i+1, j, tview.NewTableCell(v))
		}
	}
}

func (d *Displayer) renderStatus() {
	d.mu.Lock()
	state, notice := d.state, d.notice
	d.mu.Unlock()
	d.statusText.SetText(statusLine(state, d.conn.AdapterInfo(), notice))
}

func statusLine(state obd.ConnectionState, info obd.AdapterInfo, notice string) string {
	var line string
	switch state.State {
	case obd.StateReady:
		line = fmt.Sprintf("Status: [green]connected[white] %s", info.Identity)
		if info.ProtocolName != "" {
			line += " / " + info.ProtocolName
		}
		if info.Voltage > 0 {
			line += fmt.Sprintf(" / %.1fV", info.Voltage)
		}
	case obd.StateFailed:
		line = fmt.Sprintf("Status: [red]failed[white] %v", state.Reason)
	case obd.StateDisconnected:
		line = "Status: [red]disconnected[white]"
	default:
		line = fmt.Sprintf("Status: [yellow]%s[white]", state.State)
	}
	if notice != "" {
		line += "  " + notice
	}
	return line
}

func (d *Displayer) setNotice(s string) {
	d.mu.Lock()
	d.notice = s
	d.mu.Unlock()
	d.poke()
}

func (d *Displayer) refreshLoop() {
	ticker := time.NewTicker(d.refresh)
	defer ticker.Stop()
	d.update()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.changed:
			d.app.QueueUpdateDraw(d.renderStatus)
		case <-ticker.C:
			d.update()
		}
	}
}

// update polls the live data and trouble codes once. It is skipped while a clear
// is waiting for the settle delay.
func (d *Displayer) update() {
	d.mu.Lock()
	ready, clearing := d.state.State == obd.StateReady, d.clearing
	d.mu.Unlock()
	if !ready || clearing {
		return
	}

	results, err := d.queries.QueryMode(d.ctx, models.ModeGlobal)
	if err != nil {
		log.Debug("live data refresh failed", zap.Error(err))
		return
	}
	live := LiveRows(d.catalog, results)

	stored, err := d.queries.QueryFaultCodes(d.ctx)
	if err != nil {
		log.Debug("fault code refresh failed", zap.Error(err))
	}
	pending, err := d.queries.QueryPendingFaultCodes(d.ctx)
	if err != nil {
		log.Debug("pending fault code refresh failed", zap.Error(err))
	}
	faults := FaultRows(stored, pending)

	d.app.QueueUpdateDraw(func() {
		setRows(d.liveTable, live)
		setRows(d.dtcTable, faults)
		d.renderStatus()
	})
}

func (d *Displayer) clearFaults() {
	d.mu.Lock()
	if d.clearing || d.state.State != obd.StateReady {
		d.mu.Unlock()
		return
	}
	d.clearing = true
	d.mu.Unlock()

	go func() {
		d.setNotice("[yellow]clearing trouble codes...[white]")
		codes, err := d.queries.ClearAndReverify(d.ctx)

		d.mu.Lock()
		d.clearing = false
		d.mu.Unlock()

		if err != nil {
			log.Error("failed to clear trouble codes", zap.Error(err))
			d.setNotice(fmt.Sprintf("[red]clear failed: %v[white]", err))
			return
		}
		if len(codes) > 0 {
			d.setNotice(fmt.Sprintf("[yellow]%d code(s) returned after clear[white]", len(codes)))
		} else {
			d.setNotice("[green]trouble codes cleared[white]")
		}
		d.update()
	}()
}

// LiveRows lays out a mode 01 result in catalog order.
func LiveRows(catalog *obd.Catalog, results map[string]models.DiagnosticResponse) [][]string {
	var rows [][]string
	for _, def := range catalog.Commands(models.ModeGlobal) {
		r, ok := results[def.Name]
		if !ok {
			continue
		}
		rows = append(rows, []string{def.Description, FormatValue(r), r.Unit})
	}
	return rows
}

// FormatValue renders a reading, or "-" when the vehicle gave none.
func FormatValue(r models.DiagnosticResponse) string {
	if !r.Available || r.Value == nil {
		return "-"
	}
	v := *r.Value
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}

// FaultRows lists stored codes before pending ones, each with its description.
func FaultRows(stored, pending []string) [][]string {
	var rows [][]string
	for _, e := range obd.Entries(stored) {
		rows = append(rows, []string{e.Code, e.Description, "stored"})
	}
	for _, e := range obd.Entries(pending) {
		rows = append(rows, []string{e.Code, e.Description, "pending"})
	}
	return rows
}
