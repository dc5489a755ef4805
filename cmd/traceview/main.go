// Command traceview is an interactive viewer that decodes a trace file up
// front and lets a user step through the resulting packets one at a time.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"

	"armtrace/internal/trace"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	changeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

type model struct {
	packets []trace.CPUState
	index   int
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch keyMsg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case " ", "j", "down":
		if m.index < len(m.packets)-1 {
			m.index++
		}
	case "k", "up":
		if m.index > 0 {
			m.index--
		}
	case "g":
		m.index = 0
	case "G":
		m.index = len(m.packets) - 1
	}
	return m, nil
}

func (m model) header() string {
	return headerStyle.Render(fmt.Sprintf("packet %d/%d", m.index+1, len(m.packets)))
}

func (m model) changeSummary(s trace.CPUState) string {
	var names []string
	for _, b := range []trace.ChangeBit{
		trace.ChangeAddress, trace.ChangeExEntry, trace.ChangeExExit,
		trace.ChangeTrigger, trace.ChangeException, trace.ChangeCancelled,
		trace.ChangeVMID, trace.ChangeContextID, trace.ChangeTimestamp,
		trace.ChangeCycleCount, trace.ChangeEnatoms, trace.ChangeWatoms,
		trace.ChangeSecure, trace.ChangeAltISA, trace.ChangeHyp,
		trace.ChangeJazelle, trace.ChangeThumb, trace.ChangeIsLSiP,
		trace.ChangeReason, trace.ChangeResume, trace.ChangeTraceStart,
		trace.ChangeLinear,
	} {
		if s.Pending(b) {
			names = append(names, b.String())
		}
	}
	if len(names) == 0 {
		return "(no change bits)"
	}
	return changeStyle.Render(strings.Join(names, " "))
}

func (m model) View() string {
	if len(m.packets) == 0 {
		return "no packets decoded\n"
	}
	s := m.packets[m.index]
	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.header(),
		fmt.Sprintf("addr=0x%08x mode=%s inst=%d", s.Addr, s.AddrMode, s.InstCount),
		m.changeSummary(s),
		"",
		spew.Sdump(s),
		"",
		"j/k or space/up to step, g/G for first/last, q to quit",
	)
}

func decodeAll(cfg trace.Config, buf []byte) []trace.CPUState {
	d := trace.NewDecoder(cfg, nil)
	d.ForceSync(true)
	var packets []trace.CPUState
	d.Pump(buf, func(s trace.CPUState) { packets = append(packets, s) })
	return packets
}

func main() {
	protocolFlag := pflag.String("protocol", "etm35", "protocol to decode: etm35 or mtb")
	altFlag := pflag.Bool("alt-encoding", false, "use the alternative branch-address encoding")
	ctxBytesFlag := pflag.Int("context-bytes", 0, "context ID width in bytes")
	cycleAccFlag := pflag.Bool("cycle-accurate", false, "enable cycle-accurate P-header decoding")
	dataOnlyFlag := pflag.Bool("data-only", false, "suppress I-Sync address collection")
	pflag.Parse()

	if pflag.NArg() != 1 {
		log.Fatal("usage: traceview [flags] <trace-file>")
	}

	protocol := trace.ProtocolETM35
	if *protocolFlag == "mtb" {
		protocol = trace.ProtocolMTB
	}
	cfg := trace.Config{
		Protocol:      protocol,
		AltEncoding:   *altFlag,
		ContextBytes:  *ctxBytesFlag,
		CycleAccurate: *cycleAccFlag,
		DataOnlyMode:  *dataOnlyFlag,
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	f, err := os.Open(pflag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		log.Fatal(err)
	}

	packets := decodeAll(cfg, buf)
	if _, err := tea.NewProgram(model{packets: packets}).Run(); err != nil {
		log.Fatal(err)
	}
}
